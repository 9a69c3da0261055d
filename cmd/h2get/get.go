package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jakegut/h2stream/h2client"
	"github.com/jakegut/h2stream/stream"
)

func getCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "get <authority> <path>",
		Short: "Send a GET request over a new HTTP/2 connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			authority, path := args[0], args[1]

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := h2client.Dial(ctx, authority)
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Get(ctx, path)
			if err != nil {
				return err
			}

			return printResponse(cmd, resp)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall request timeout")
	return cmd
}

func postCommand() *cobra.Command {
	var timeout time.Duration
	var bodyFile string

	cmd := &cobra.Command{
		Use:   "post <authority> <path>",
		Short: "Send a POST request with a file body over a new HTTP/2 connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			authority, path := args[0], args[1]

			var body []byte
			if bodyFile != "" {
				b, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("reading --body file: %w", err)
				}
				body = b
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := h2client.Dial(ctx, authority)
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Post(ctx, path, body)
			if err != nil {
				return err
			}

			return printResponse(cmd, resp)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall request timeout")
	cmd.Flags().StringVar(&bodyFile, "body", "", "path to a file to send as the request body")
	return cmd
}

func printResponse(cmd *cobra.Command, resp *stream.Response) error {
	out := cmd.OutOrStdout()

	if resp.HasStatus {
		fmt.Fprintf(out, "status: %d\n", resp.Status)
	}
	for _, h := range resp.Headers {
		if h.Name == ":status" {
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", h.Name, h.Value)
	}
	if len(resp.Body) > 0 {
		fmt.Fprintln(out)
		out.Write(resp.Body)
		fmt.Fprintln(out)
	}
	return nil
}
