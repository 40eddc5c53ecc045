package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// escalationsCmd talks to a running server over the operator API, since
// standalone mode keeps escalations in the server's memory.
func escalationsCmd() *cobra.Command {
	var server, token string
	cmd := &cobra.Command{
		Use:   "escalations",
		Short: "List and resolve human-handoff escalations",
	}
	cmd.PersistentFlags().StringVar(&server, "server", "", "server base URL (default from config host/port)")
	cmd.PersistentFlags().StringVar(&token, "token", "", "gateway token (default REPLYDESK_GATEWAY_TOKEN)")

	client := func() (*escalationClient, error) {
		c := &escalationClient{base: server, token: token, http: &http.Client{Timeout: 15 * time.Second}}
		if c.base == "" || c.token == "" {
			cfg, err := loadConfig()
			if err != nil {
				return nil, err
			}
			if c.base == "" {
				host := cfg.Gateway.Host
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				c.base = fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port)
			}
			if c.token == "" {
				c.token = cfg.Gateway.Token
			}
		}
		return c, nil
	}

	var (
		instance string
		all      bool
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Show active escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			recs, err := c.list(cmd.Context(), instance, all, limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No escalations.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tSENDER\tREASON\tSINCE\tRESOLVED")
			for _, r := range recs {
				resolved := "-"
				if r.ResolvedAt != nil {
					resolved = r.ResolvedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.InstanceID, r.Sender, r.Reason,
					r.EscalatedAt.Local().Format(time.DateTime), resolved)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&instance, "instance", "", "filter by instance id")
	list.Flags().BoolVar(&all, "all", false, "include resolved escalations")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	var resolvedBy string
	resolve := &cobra.Command{
		Use:   "resolve <instance> <sender>",
		Short: "Hand a conversation back to the assistant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			rec, err := c.resolve(cmd.Context(), args[0], args[1], resolvedBy)
			if err != nil {
				return err
			}
			fmt.Printf("Resolved escalation for %s on %s.\n", rec.Sender, rec.InstanceID)
			return nil
		},
	}
	resolve.Flags().StringVar(&resolvedBy, "by", os.Getenv("USER"), "operator name recorded on the escalation")

	cmd.AddCommand(list, resolve)
	return cmd
}

type escalationClient struct {
	base  string
	token string
	http  *http.Client
}

type escalationsEnvelope struct {
	Success     bool                     `json:"success"`
	Error       string                   `json:"error,omitempty"`
	Escalations []store.EscalationRecord `json:"escalations,omitempty"`
	Escalation  *store.EscalationRecord  `json:"escalation,omitempty"`
}

func (c *escalationClient) list(ctx context.Context, instance string, all bool, limit int) ([]store.EscalationRecord, error) {
	q := url.Values{}
	if instance != "" {
		q.Set("instance_id", instance)
	}
	if all {
		q.Set("all", "true")
	}
	q.Set("limit", strconv.Itoa(limit))
	env, err := c.do(ctx, http.MethodGet, "/v1/escalations?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return env.Escalations, nil
}

func (c *escalationClient) resolve(ctx context.Context, instance, sender, by string) (*store.EscalationRecord, error) {
	body, _ := json.Marshal(map[string]string{"instance_id": instance, "sender": sender, "resolved_by": by})
	env, err := c.do(ctx, http.MethodPost, "/v1/escalations/resolve", body)
	if err != nil {
		return nil, err
	}
	if env.Escalation == nil {
		return &store.EscalationRecord{InstanceID: instance, Sender: sender}, nil
	}
	return env.Escalation, nil
}

func (c *escalationClient) do(ctx context.Context, method, path string, body []byte) (*escalationsEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact server: %w", err)
	}
	defer resp.Body.Close()

	var env escalationsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		return nil, fmt.Errorf("server: HTTP %d: %s", resp.StatusCode, env.Error)
	}
	return &env, nil
}
