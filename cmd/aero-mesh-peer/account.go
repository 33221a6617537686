package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/ui"
)

func newRegisterCmd(g *globalFlags) *cobra.Command {
	var passwordFile string
	cmd := &cobra.Command{
		Use:   "register USERNAME",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := g.api()
			if err != nil {
				return err
			}
			password, err := readPassword(passwordFile, cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := api.Register(cmd.Context(), args[0], password); err != nil {
				return err
			}
			ui.PrintSuccess(cmd.ErrOrStderr(), "Account "+args[0]+" created")
			return nil
		},
	}
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "read the password from a file (\"-\" or empty prompts)")
	return cmd
}

func newLoginCmd(g *globalFlags) *cobra.Command {
	var passwordFile string
	cmd := &cobra.Command{
		Use:   "login USERNAME",
		Short: "Log in and print a session token",
		Long: `Log in and print a session token on stdout, for example:

  export ` + envToken + `=$(aero-mesh-peer login alice)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := g.api()
			if err != nil {
				return err
			}
			password, err := readPassword(passwordFile, cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			token, err := api.Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			ui.PrintSuccess(cmd.ErrOrStderr(), "Logged in as "+args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "read the password from a file (\"-\" or empty prompts)")
	return cmd
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the rooms this account has joined",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.token == "" {
				return errors.New("history needs a session token (--token or " + envToken + ")")
			}
			api, err := g.api()
			if err != nil {
				return err
			}
			entries, err := api.History(cmd.Context(), g.token)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			fmt.Fprintln(out, ui.HistoryTable(entries, time.Local))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

// readPassword reads from path, or prompts on the terminal with echo off when
// path is empty or "-". A non-terminal stdin is read as a single line.
func readPassword(path string, stdin io.Reader, prompt io.Writer) (string, error) {
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
