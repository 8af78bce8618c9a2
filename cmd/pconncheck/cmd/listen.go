/*
Copyright (c) ColdSync contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-systemd/daemon"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coldsync/pconn"
	"github.com/coldsync/pconn/transport"
)

var (
	okString   = color.GreenString("[OK]")
	infoString = color.CyanString("[INFO]")
	failString = color.RedString("[FAIL]")
)

var (
	listenWakeupPort  int
	listenDataPort    int
	listenMetricsPort int
)

func init() {
	RootCmd.AddCommand(listenCmd)
	listenCmd.Flags().IntVar(&listenWakeupPort, "wakeup-port", 0, "UDP port for the NetSync wakeup datagram (0 = default)")
	listenCmd.Flags().IntVar(&listenDataPort, "data-port", 0, "TCP port for the NetSync data connection (0 = default)")
	listenCmd.Flags().IntVar(&listenMetricsPort, "metrics-port", 0, "port to serve Prometheus metrics on (0 disables)")
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Wait for one HotSync session over NetSync (TCP) and report what it negotiated",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		stats := pconn.NewStats("listen")
		if listenMetricsPort != 0 {
			addr := fmt.Sprintf(":%d", listenMetricsPort)
			go func() {
				log.WithField("addr", addr).Info("serving metrics")
				if err := http.ListenAndServe(addr, stats.Handler()); err != nil {
					log.WithError(err).Error("metrics server stopped")
				}
			}()
		}

		srv := transport.NewNetSyncServer(listenWakeupPort, listenDataPort)
		if err := srv.Open(); err != nil {
			fmt.Println(failString, err)
			return
		}
		defer srv.Close()

		fmt.Println(infoString, "waiting for HotSync wakeup, press the HotSync button now")
		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.WithError(err).Debug("SdNotify failed")
		} else if ok {
			log.Debug("notified systemd readiness")
		}

		conn, err := pconn.Open(context.Background(), srv, pconn.Config{
			Stack: pconn.StackNet,
			Stats: stats,
		})
		if err != nil {
			fmt.Println(failString, err)
			return
		}
		defer conn.Close()

		fmt.Println(okString, "handshake complete, connection is", conn.Status())

		sys, err := conn.DLP().ReadSysInfo()
		if err != nil {
			fmt.Println(failString, "ReadSysInfo:", err)
			return
		}
		user, err := conn.DLP().ReadUserInfo()
		if err != nil {
			fmt.Println(failString, "ReadUserInfo:", err)
			return
		}

		fmt.Printf("%s ROM version 0x%08x, product 0x%08x, DLP %d.%d\n",
			okString, sys.ROMVersion, sys.ProductID, sys.DLPVerMajor, sys.DLPVerMinor)
		fmt.Printf("%s user %q (id %d), last synced with PC %d\n",
			okString, user.Username, user.UserID, user.LastSyncPC)
	},
}
