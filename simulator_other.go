//go:build !linux

package main

import (
	"errors"

	"github.com/spf13/cobra"
)

func newSimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sim",
		Short: "Stream a test tone into a named pipe (linux only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return errors.New("sim requires linux named pipes")
		},
	}
}
