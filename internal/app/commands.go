package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"inbox-agent/internal/apperr"
	authusecase "inbox-agent/internal/auth/usecase"
	contactdomain "inbox-agent/internal/contact/domain"
	contactrepo "inbox-agent/internal/contact/repository"
	digestusecase "inbox-agent/internal/digest/usecase"
	msgdomain "inbox-agent/internal/message/domain"
	msgrepo "inbox-agent/internal/message/repository"
	pipelineusecase "inbox-agent/internal/pipeline/usecase"
	"inbox-agent/pkg/ai"
	"inbox-agent/pkg/calendar"
	"inbox-agent/pkg/config"
	"inbox-agent/pkg/gmail"
	"inbox-agent/pkg/googleauth"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

func MigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := e.openStore(context.Background())
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func RetryCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <message-id>...",
		Short: "Move failed messages back to their last good state",
		Long: "Move failed messages back to their last good state. A running serve\n" +
			"process picks them up on its next poll cycle.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			return retryMessages(ctx, st.messages, args, cmd)
		},
	}
}

func retryMessages(ctx context.Context, messages msgrepo.MessageRepository, ids []string, cmd *cobra.Command) error {
	var failed int
	for _, id := range ids {
		to, err := pipelineusecase.ResumeFailed(ctx, messages, id)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: resumed at %s\n", id, to)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d messages not retried", failed, len(ids))
	}
	return nil
}

func DigestCmd(e *env) *cobra.Command {
	var (
		account    string
		dryRun     bool
		noOverview bool
	)
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Build the daily digest and send it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			loc, err := e.location()
			if err != nil {
				return err
			}

			var llm ai.Endpoint
			if !noOverview {
				q, err := e.llm(ctx)
				if err != nil {
					return err
				}
				defer q.Stop()
				llm = q
			}

			accounts := []string{account}
			if account == "" {
				accounts = accounts[:0]
				for _, a := range e.cfg.Accounts {
					accounts = append(accounts, a.ID)
				}
			}

			uc := digestusecase.NewDigestUsecase(st.messages, llm, e.channel(ctx, st.devices), digestusecase.Config{
				Location: loc,
			}, e.log)
			for _, a := range accounts {
				var d *digestusecase.Digest
				if dryRun {
					d, err = uc.Build(ctx, a, time.Now().Add(-24*time.Hour))
				} else {
					d, err = uc.Send(ctx, a)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), d.Notification(loc).Text())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id (default: every account)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the digest without sending it")
	cmd.Flags().BoolVar(&noOverview, "no-overview", false, "skip the model-written overview")
	return cmd
}

type rulesFile struct {
	Rules []*msgdomain.IgnoreRule `yaml:"rules"`
}

type contactsFile struct {
	Contacts []*contactdomain.Contact `yaml:"contacts"`
}

func RulesCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage ignore rules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Add the ignore rules of a yaml file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := importRules(ctx, st.rules, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rules imported\n", n)
			return nil
		},
	}, &cobra.Command{
		Use:   "list",
		Short: "Print the stored ignore rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			rules, err := st.rules.List(ctx)
			if err != nil {
				return err
			}
			for _, r := range rules {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", r.ID, r.Field, r.Pattern, r.Note)
			}
			return nil
		},
	})
	return cmd
}

// importRules validates every rule of the file before storing any.
func importRules(ctx context.Context, repo msgrepo.IgnoreRuleRepository, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, apperr.Configuration("rules.import", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return 0, apperr.Configuration("rules.import", fmt.Errorf("%s: %w", path, err))
	}
	for i, r := range f.Rules {
		if err := r.Compile(); err != nil {
			return 0, apperr.Configuration("rules.import", fmt.Errorf("%s: rule %d: %w", path, i+1, err))
		}
	}
	for _, r := range f.Rules {
		if err := repo.Upsert(ctx, r); err != nil {
			return 0, err
		}
	}
	return len(f.Rules), nil
}

func ContactsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage sender profiles",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Upsert the sender profiles of a yaml file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := importContacts(ctx, st.contacts, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d contacts imported\n", n)
			return nil
		},
	})
	return cmd
}

func importContacts(ctx context.Context, repo contactrepo.ContactRepository, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, apperr.Configuration("contacts.import", err)
	}
	var f contactsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return 0, apperr.Configuration("contacts.import", fmt.Errorf("%s: %w", path, err))
	}
	return repo.Import(ctx, f.Contacts)
}

func TokenCmd(e *env) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := authusecase.NewAuthUsecase(e.cfg.JWTSecret, e.cfg.JWTAccessExpiry)
			if err != nil {
				return apperr.Configuration("jwt", err)
			}
			token, exp, err := auth.IssueToken(subject, ttl)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"token":      token,
				"expires_at": exp,
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default jwt.access_expiry)")
	return cmd
}

func AuthorizeCmd(e *env) *cobra.Command {
	var (
		account string
		forCal  bool
	)
	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Run the Google OAuth flow and store the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			g := e.cfg.Google
			if g.ClientID == "" || g.ClientSecret == "" {
				return apperr.Configuration("authorize", fmt.Errorf("google.client_id and google.client_secret are required"))
			}
			var scope, path string
			switch {
			case forCal:
				scope, path = calendar.Scope, g.CalendarToken
				if path == "" {
					return apperr.Configuration("authorize", fmt.Errorf("google.calendar_token is not set"))
				}
			default:
				acct, ok := e.gmailAccount(account)
				if !ok {
					return apperr.Configuration("authorize", fmt.Errorf("no gmail account %q configured", account))
				}
				scope, path = gmail.ReadonlyScope, tokenFile(acct)
			}

			oauthCfg := googleauth.Config(g.ClientID, g.ClientSecret, loopbackRedirect, scope)
			authURL := oauthCfg.AuthCodeURL("inbox-agent", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Open this URL, approve access, then paste the address you were redirected to:\n\n%s\n\n> ", authURL)

			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read authorization code: %w", err)
			}
			code, err := authCode(line)
			if err != nil {
				return err
			}
			tok, err := oauthCfg.Exchange(context.Background(), code)
			if err != nil {
				return fmt.Errorf("failed to exchange authorization code: %w", err)
			}
			if err := googleauth.SaveToken(path, tok); err != nil {
				return err
			}
			fmt.Fprintf(out, "token saved to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "gmail account id (default: the first gmail account)")
	cmd.Flags().BoolVar(&forCal, "calendar", false, "authorize the calendar owner instead of a mailbox")
	return cmd
}

func (e *env) gmailAccount(id string) (acct config.AccountConfig, ok bool) {
	for _, a := range e.cfg.Accounts {
		if a.Provider == "gmail" && (id == "" || a.ID == id) {
			return a, true
		}
	}
	return acct, false
}

// authCode accepts either the bare code or the redirected URL.
func authCode(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("empty authorization code")
	}
	if !strings.Contains(input, "://") {
		return input, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid redirect address: %w", err)
	}
	if e := u.Query().Get("error"); e != "" {
		return "", fmt.Errorf("authorization denied: %s", e)
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", fmt.Errorf("redirect address has no code parameter")
	}
	return code, nil
}
