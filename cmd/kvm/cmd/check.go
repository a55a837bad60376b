/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/blacktop/go-kvm"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check KVM availability and /dev/kvm permissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes := color.New(color.FgGreen).SprintFunc()
		no := color.New(color.FgRed).SprintFunc()

		ok, err := kvm.Supported()
		switch {
		case err != nil:
			fmt.Printf("kvm support: %s: %v\n", no("error"), err)
		case ok:
			fmt.Printf("kvm support: %s\n", yes("yes"))
		default:
			fmt.Printf("kvm support: %s\n", no("no"))
		}

		if fi, err := os.Stat("/dev/kvm"); err != nil {
			fmt.Printf("/dev/kvm: %s (%v)\n", no("missing"), err)
		} else {
			fmt.Printf("/dev/kvm: mode %s\n", fi.Mode())
			if unix.Access("/dev/kvm", unix.R_OK|unix.W_OK) != nil {
				fmt.Printf("access: %s (add this user to the kvm group)\n", no("denied"))
			} else {
				fmt.Printf("access: %s\n", yes("read/write"))
			}
		}

		if !ok {
			return nil
		}

		sys, err := kvm.Open()
		if err != nil {
			return fmt.Errorf("failed to open KVM: %w", err)
		}
		defer sys.Close()

		version, err := sys.APIVersion()
		if err != nil {
			return err
		}
		maxVCPUs, err := sys.MaxVCPUs()
		if err != nil {
			return err
		}
		slots, err := sys.NumMemSlots()
		if err != nil {
			return err
		}

		fmt.Printf("api version: %d\n", version)
		fmt.Printf("max vcpus: %d\n", maxVCPUs)
		fmt.Printf("memory slots: %d\n", slots)

		return nil
	},
}
