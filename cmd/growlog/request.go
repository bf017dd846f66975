package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	growlog "github.com/growlog-io/growlog-go"
	"github.com/spf13/cobra"
)

var (
	requestData    string
	requestQuery   []string
	requestHeaders []string
	requestRefresh bool
)

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.Flags().StringVarP(&requestData, "data", "d", "", "JSON request body")
	requestCmd.Flags().StringArrayVarP(&requestQuery, "query", "q", nil, "query parameter as key=value (repeatable)")
	requestCmd.Flags().StringArrayVarP(&requestHeaders, "header", "H", nil, "extra header as key=value (repeatable)")
	requestCmd.Flags().BoolVar(&requestRefresh, "force-refresh", false, "bypass the response cache")
}

var requestCmd = &cobra.Command{
	Use:   "request <method> <path>",
	Short: "Issue a raw API request",
	Long: "Issue a request through the full client pipeline (cache, retry, offline queue).\n" +
		"Example: growlog request GET /api/v1/plants -q roomId=veg-1",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method := strings.ToUpper(args[0])
		path := args[1]

		opts := &growlog.RequestOptions{
			Query:        map[string]string{},
			Headers:      map[string]string{},
			ForceRefresh: requestRefresh,
		}
		for _, kv := range requestQuery {
			k, v, err := splitKV(kv)
			if err != nil {
				return err
			}
			opts.Query[k] = v
		}
		for _, kv := range requestHeaders {
			k, v, err := splitKV(kv)
			if err != nil {
				return err
			}
			opts.Headers[k] = v
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		client := getClient(ctx)
		defer client.Close()
		client.Connectivity().Refresh()

		var body interface{}
		if requestData != "" {
			body = json.RawMessage(requestData)
		}

		var resp *growlog.Response
		var err error
		switch method {
		case "GET":
			resp, err = client.Get(ctx, path, opts)
		case "POST":
			resp, err = client.Post(ctx, path, body, opts)
		case "PUT":
			resp, err = client.Put(ctx, path, body, opts)
		case "PATCH":
			resp, err = client.Patch(ctx, path, body, opts)
		case "DELETE":
			resp, err = client.Delete(ctx, path, opts)
		default:
			return fmt.Errorf("unsupported method %q (valid: GET, POST, PUT, PATCH, DELETE)", method)
		}

		if err != nil {
			if growlog.IsDeferred(err) {
				ge, _ := growlog.AsError(err)
				fmt.Printf("Offline: request queued for replay (entry %s)\n", ge.EntryID)
				return nil
			}
			return err
		}

		if resp.FromCache {
			fmt.Println("(served from cache)")
		}
		fmt.Printf("HTTP %d\n", resp.StatusCode)
		printJSON(resp.Body)
		return nil
	},
}

func splitKV(kv string) (string, string, error) {
	parts := strings.SplitN(kv, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("expected key=value, got %q", kv)
	}
	return parts[0], parts[1], nil
}

func printJSON(data []byte) {
	if len(data) == 0 {
		return
	}
	var buf bytes.Buffer
	if json.Indent(&buf, data, "", "  ") == nil {
		fmt.Println(buf.String())
		return
	}
	fmt.Println(string(data))
}
