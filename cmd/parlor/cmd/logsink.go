/*
Copyright © 2026 Parlor contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/
package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/parlorchat/parlor/internal/logsink"
)

// logsinkCmd represents the logsink command
var logsinkCmd = &cobra.Command{
	Use:   "logsink",
	Short: "Log aggregator collecting structured events from hub instances",
	Long: `The log sink accepts secret-checked TCP connections from hubs and
writes the records they push to a file (reopened on SIGHUP, for
rotation) and to the console. Set parameters with environment
variables:

export PARLORSINK_PORT=50000
export PARLORSINK_HOST=127.0.0.1
export PARLORSINK_SECRET=somesecret
export PARLORSINK_FILE=parlor.log
parlor logsink
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("PARLORSINK")
		viper.AutomaticEnv()

		viper.SetDefault("port", 50000)
		viper.SetDefault("host", "127.0.0.1")
		viper.SetDefault("file", "parlor.log")

		secret := viper.GetString("secret")
		if secret == "" {
			fmt.Println("PARLORSINK_SECRET not set")
			os.Exit(1)
		}

		addr := net.JoinHostPort(viper.GetString("host"), strconv.Itoa(viper.GetInt("port")))

		if viper.GetBool("development") {
			log.SetFormatter(&log.TextFormatter{})
			log.SetLevel(log.TraceLevel)
			log.SetOutput(os.Stdout)
		} else {
			log.SetFormatter(&log.JSONFormatter{})
			log.SetLevel(log.InfoLevel)
		}

		sink := logsink.New(logsink.Config{
			Addr:   addr,
			Secret: secret,
			File:   viper.GetString("file"),
		})

		ctx, cancel := context.WithCancel(context.Background())

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)

		go func() {
			<-c
			cancel()
		}()

		if err := sink.Serve(ctx); err != nil {
			log.Errorf("log sink failed to start because %s", err.Error())
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(logsinkCmd)
}
