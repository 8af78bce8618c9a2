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
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v2"

	"github.com/coldsync/pconn"
	"github.com/coldsync/pconn/slp"
	"github.com/coldsync/pconn/transport"
)

// loopbackPort is the conventional SLP port pilot-link binds the host
// side of a serial session to (padp.h's padLoopbackPort); it is not
// recovered from original_source/ here, so it is documented as an
// implementation choice rather than a verified constant.
const loopbackPort = 3

var (
	infoDevice       string
	infoReportFormat string
)

func init() {
	RootCmd.AddCommand(infoCmd)
	infoCmd.Flags().StringVar(&infoDevice, "device", "/dev/ttyUSB0", "serial device to open")
	infoCmd.Flags().StringVar(&infoReportFormat, "report-format", "table", "output format: table or yaml")
}

type deviceReport struct {
	ROMVersion   uint32 `yaml:"rom_version"`
	ProductID    uint32 `yaml:"product_id"`
	DLPVersion   string `yaml:"dlp_version"`
	UserID       uint32 `yaml:"user_id"`
	Username     string `yaml:"username"`
	CardName     string `yaml:"card_name"`
	RAMFreeBytes uint32 `yaml:"ram_free_bytes"`
}

func progressLine(format string, args ...any) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	fmt.Printf("[1000D")
	fmt.Printf(format, args...)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Open a serial connection, run ReadSysInfo/ReadUserInfo/ReadStorageInfo, and report",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		progressLine("opening %s, waiting for HotSync button...\n", infoDevice)
		s, err := transport.OpenSerial(infoDevice)
		if err != nil {
			fmt.Println(failString, err)
			return
		}

		conn, err := pconn.Open(context.Background(), s, pconn.Config{
			Stack: pconn.StackFull,
			Bind:  slp.Address{Protocol: 0, Port: loopbackPort},
			Stats: pconn.NewStats("info"),
		})
		if err != nil {
			fmt.Println(failString, err)
			return
		}
		defer conn.Close()

		sys, err := conn.DLP().ReadSysInfo()
		if err != nil {
			log.WithError(err).Error("ReadSysInfo failed")
			fmt.Println(failString, err)
			return
		}
		user, err := conn.DLP().ReadUserInfo()
		if err != nil {
			log.WithError(err).Error("ReadUserInfo failed")
			fmt.Println(failString, err)
			return
		}
		storage, err := conn.DLP().ReadStorageInfo(0)
		if err != nil {
			log.WithError(err).Error("ReadStorageInfo failed")
			fmt.Println(failString, err)
			return
		}

		report := deviceReport{
			ROMVersion:   sys.ROMVersion,
			ProductID:    sys.ProductID,
			DLPVersion:   fmt.Sprintf("%d.%d", sys.DLPVerMajor, sys.DLPVerMinor),
			UserID:       user.UserID,
			Username:     user.Username,
			CardName:     storage.CardName,
			RAMFreeBytes: storage.FreeRAM,
		}

		switch infoReportFormat {
		case "yaml":
			out, err := yaml.Marshal(report)
			if err != nil {
				fmt.Println(failString, err)
				return
			}
			fmt.Print(string(out))
		default:
			printReportTable(report)
		}
	},
}

func printReportTable(r deviceReport) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"field", "value"})
	rows := [][]string{
		{"ROM version", fmt.Sprintf("0x%08x", r.ROMVersion)},
		{"Product ID", fmt.Sprintf("0x%08x", r.ProductID)},
		{"DLP version", r.DLPVersion},
		{"User ID", fmt.Sprintf("%d", r.UserID)},
		{"Username", r.Username},
		{"Card name", r.CardName},
		{"Free RAM", fmt.Sprintf("%d bytes", r.RAMFreeBytes)},
	}
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}
