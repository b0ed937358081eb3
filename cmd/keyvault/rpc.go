package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"keyvault/go-backend/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (c *cli) rpcCmd() *cobra.Command {
	var (
		addr       string
		token      string
		idempotent bool
	)
	cmd := &cobra.Command{
		Use:   "rpc METHOD [PARAMS_JSON]",
		Short: "Call a method on the running daemon",
		Example: `  keyvault rpc vault.status
  keyvault rpc vault.unlock '["my password"]'
  keyvault rpc approvals.decide '["<prompt id>", true]'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.RPC.Addr
			}
			if token == "" {
				if token, err = config.RPCToken(cfg); err != nil {
					return err
				}
			}
			var params json.RawMessage
			if len(args) == 2 {
				params = json.RawMessage(args[1])
				if !json.Valid(params) {
					return fmt.Errorf("params are not valid JSON")
				}
			}
			idemKey := ""
			if idempotent {
				idemKey = uuid.NewString()
			}
			out, err := callDaemon(cmd.Context(), addr, token, idemKey, args[0], params)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "daemon JSON-RPC address (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default from config or the data dir)")
	cmd.Flags().BoolVar(&idempotent, "idempotent", false, "send an idempotency key with the request")
	return cmd
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func callDaemon(ctx context.Context, addr, token, idemKey, method string, params json.RawMessage) (string, error) {
	body, err := json.Marshal(rpcEnvelope{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return "", err
	}
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(url, "/")+"/rpc", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if idemKey != "" {
		req.Header.Set("X-Keyvault-Idempotency-Key", idemKey)
	}
	resp, err := (&http.Client{Timeout: 5 * time.Minute}).Do(req)
	if err != nil {
		return "", fmt.Errorf("daemon unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var reply rpcReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("decode daemon reply: %w", err)
	}
	if reply.Error != nil {
		return "", fmt.Errorf("%s (code %d)", reply.Error.Message, reply.Error.Code)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, reply.Result, "", "  "); err != nil {
		return string(reply.Result), nil
	}
	return pretty.String(), nil
}
