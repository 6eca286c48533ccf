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
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/parlorchat/parlor/internal/chat"
	"github.com/parlorchat/parlor/internal/loghook"
	"github.com/parlorchat/parlor/internal/status"
)

// peers holds the addresses of the hub's collaborating services,
// injected from the environment
type peers struct {
	Auth      string `default:"localhost:9000"`
	Filter    string `default:"localhost:9010"`
	Logsink   string
	LogSecret string `split_words:"true"`
}

// hubCmd represents the hub command
var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Chat relay accepting client connections and broadcasting lines",
	Long: `The hub listens for chat clients on IPv4 and IPv6, authenticates
each against the authentication registry, passes every outgoing line
through the profanity filter, and broadcasts to the other members.
Set parameters with environment variables, for example:

export PARLORHUB_PORT=8888
export PARLORHUB_ROOM=lobby
export PARLORHUB_AUTH=localhost:9000
export PARLORHUB_FILTER=localhost:9010
export PARLORHUB_LOGSINK=localhost:50000
export PARLORHUB_LOG_SECRET=somesecret
export PARLORHUB_DEVELOPMENT=true
parlor hub
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("PARLORHUB")
		viper.AutomaticEnv()

		viper.SetDefault("port", 8888)
		viper.SetDefault("host", "")
		viper.SetDefault("statusport", 0)
		viper.SetDefault("room", "")

		port := viper.GetInt("port")
		host := viper.GetString("host")
		statusPort := viper.GetInt("statusport")
		room := viper.GetString("room")
		development := viper.GetBool("development")

		if development {
			log.SetFormatter(&log.TextFormatter{})
			log.SetLevel(log.TraceLevel)
			log.SetOutput(os.Stdout)
		} else {
			log.SetFormatter(&log.JSONFormatter{})
			log.SetLevel(log.InfoLevel)
		}

		var p peers
		if err := envconfig.Process("parlorhub", &p); err != nil {
			log.Errorf("configuration failed because %s", err.Error())
			os.Exit(1)
		}

		if room == "" {
			// rooms should be assigned externally so a restarted hub
			// keeps its namespace; a random one still beats colliding
			// on a fixed default
			room = uuid.New().String()[0:6]
			log.Warnf("PARLORHUB_ROOM not set, using generated room %s", room)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if p.Logsink != "" {
			hook := loghook.New(loghook.Config{
				Addr:   p.Logsink,
				Secret: p.LogSecret,
				Logger: "parlor.hub",
			})
			go hook.Run(ctx)
			log.AddHook(hook)
		}

		s := chat.New(chat.Config{
			Host:       host,
			Port:       port,
			Room:       room,
			AuthAddr:   p.Auth,
			FilterAddr: p.Filter,
		})

		if statusPort > 0 {
			st := status.New(status.Config{
				Port:     statusPort,
				Room:     room,
				Registry: s.Registry(),
			})
			go func() {
				if err := st.Serve(ctx); err != nil {
					log.Errorf("status server stopped because %s", err.Error())
				}
			}()
		}

		closed := make(chan struct{})

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)

		go func() {
			<-c
			close(closed)
		}()

		if err := s.Serve(closed); err != nil {
			log.Errorf("hub failed to start because %s", err.Error())
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(hubCmd)
}
