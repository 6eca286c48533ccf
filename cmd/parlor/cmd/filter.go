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
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/parlorchat/parlor/internal/wordfilter"
)

// filterCmd represents the filter command
var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Profanity filter rewriting outgoing chat text",
	Long: `The filter service receives one line per request and returns it with
forbidden words masked by asterisks. Set parameters with environment
variables:

export PARLORFILTER_PORT=9010
export PARLORFILTER_HOST=127.0.0.1
export PARLORFILTER_WORDS=mundo,spoilers
parlor filter
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("PARLORFILTER")
		viper.AutomaticEnv()

		viper.SetDefault("port", 9010)
		viper.SetDefault("host", "127.0.0.1")

		addr := net.JoinHostPort(viper.GetString("host"), strconv.Itoa(viper.GetInt("port")))

		if viper.GetBool("development") {
			log.SetFormatter(&log.TextFormatter{})
			log.SetLevel(log.TraceLevel)
			log.SetOutput(os.Stdout)
		} else {
			log.SetFormatter(&log.JSONFormatter{})
			log.SetLevel(log.InfoLevel)
		}

		// the env value arrives as one comma-separated string; New
		// trims and lowercases each entry
		words := wordfilter.DefaultWords
		if w := viper.GetString("words"); w != "" {
			words = strings.Split(w, ",")
		}

		ctx, cancel := context.WithCancel(context.Background())

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)

		go func() {
			<-c
			cancel()
		}()

		if err := wordfilter.New(words).Serve(ctx, addr); err != nil {
			log.Errorf("filter failed to start because %s", err.Error())
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(filterCmd)
}
