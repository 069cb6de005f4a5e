package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/trust"
)

// TokenOptions holds flags shared by the token subcommands.
type TokenOptions struct {
	*RootOptions
	MerchantID  int64
	Fingerprint string
	Score       int
	Token       string
	Save        bool
}

// NewTokenCommand creates the token command group.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and check offline trust tokens",
		Long: `Issue and check offline trust tokens.

A token is minted only for a trust score of at least 90, lives three hours,
is bound to one device fingerprint and authorizes a fixed set of offline
actions. Signing needs trust.secret or FIELDSYNC_TRUST_SECRET.`,
	}

	cmd.AddCommand(newTokenIssueCommand(&TokenOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newTokenValidateCommand(&TokenOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newTokenRevokeCommand(&TokenOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newTokenScoreCommand(rootOpts))
	return cmd
}

func newTokenIssueCommand(opts *TokenOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a token for a merchant device",
		Example: `  fieldsync token issue --merchant 42 --fingerprint fp-7c1e --score 95
  fieldsync token issue --merchant 42 --fingerprint fp-7c1e --score 95 --save`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueToken(cmd, opts)
		},
	}
	cmd.Flags().Int64Var(&opts.MerchantID, "merchant", 0, "merchant ID (required)")
	cmd.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "device fingerprint (required)")
	cmd.Flags().IntVar(&opts.Score, "score", 0, "trust score (required)")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "store the token in the local slot")
	_ = cmd.MarkFlagRequired("merchant")
	_ = cmd.MarkFlagRequired("fingerprint")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func issueToken(cmd *cobra.Command, opts *TokenOptions) error {
	cfg, err := loadConfig(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	formatter := newFormatter(cmd, opts.RootOptions)

	mgr, err := requireTrustManager(cfg)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}

	tok, err := mgr.Generate(opts.MerchantID, opts.Fingerprint, opts.Score)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to issue token", err)
	}
	if tok == nil {
		msg := fmt.Sprintf("score %d is below %d", opts.Score, trust.MinScore)
		_ = formatter.Error(ErrCodeInvalidInput, msg, nil)
		return NewExitError(ExitFailure, "no token issued: "+msg)
	}

	if opts.Save {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore(st)
		if err := trust.NewTokenStore(st).Save(cmdContext(cmd), tok); err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to save token", err)
		}
	}

	serialized, err := trust.Serialize(tok)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to serialize token", err)
	}
	return formatter.Success(tok, func(w io.Writer) {
		fmt.Fprintln(w, serialized)
	})
}

func newTokenValidateCommand(opts *TokenOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a token for this device",
		Long: `Check a token presented on this device.

The token is given with --token, or loaded from the local slot of
--merchant. Exits with status 1 when the token is not valid.`,
		Example: `  fieldsync token validate --fingerprint fp-7c1e --merchant 42
  fieldsync token validate --fingerprint fp-7c1e --token "$(cat token.json)"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateToken(cmd, opts)
		},
	}
	cmd.Flags().Int64Var(&opts.MerchantID, "merchant", 0, "merchant whose stored token to check")
	cmd.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "presenting device fingerprint (required)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "serialized token")
	_ = cmd.MarkFlagRequired("fingerprint")
	cmd.MarkFlagsOneRequired("token", "merchant")
	cmd.MarkFlagsMutuallyExclusive("token", "merchant")
	return cmd
}

type tokenCheck struct {
	trust.Validation
	NeedsRenewal bool            `json:"needsRenewal"`
	Metadata     *trust.Metadata `json:"metadata,omitempty"`
}

func validateToken(cmd *cobra.Command, opts *TokenOptions) error {
	cfg, err := loadConfig(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	formatter := newFormatter(cmd, opts.RootOptions)

	mgr, err := requireTrustManager(cfg)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}

	var tok *trust.Token
	if opts.Token != "" {
		tok = trust.Deserialize(opts.Token)
	} else {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore(st)
		tok, err = trust.NewTokenStore(st).Load(cmdContext(cmd), opts.MerchantID)
		if err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to load token", err)
		}
	}

	v := mgr.Validate(tok, opts.Fingerprint)
	check := tokenCheck{Validation: v}
	if v.Valid {
		md := mgr.Describe(tok)
		check.Metadata = &md
		check.NeedsRenewal = mgr.NeedsRenewal(tok)
	}

	if err := formatter.Success(check, func(w io.Writer) {
		if !v.Valid {
			fmt.Fprintf(w, "invalid: %s\n", v.Reason)
			return
		}
		fmt.Fprintf(w, "valid: expires in %s", check.Metadata.ExpiresIn)
		if check.NeedsRenewal {
			fmt.Fprint(w, " (renew now)")
		}
		fmt.Fprintln(w)
	}); err != nil {
		return err
	}
	if !v.Valid {
		return NewExitError(ExitFailure, "token invalid: "+string(v.Reason))
	}
	return nil
}

func newTokenRevokeCommand(opts *TokenOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "revoke",
		Short:         "Clear a merchant's stored token",
		Example:       `  fieldsync token revoke --merchant 42`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(st)
			if err := trust.NewTokenStore(st).Revoke(cmdContext(cmd), opts.MerchantID); err != nil {
				return WrapExitError(ExitCommandError, "failed to revoke token", err)
			}
			return newFormatter(cmd, opts.RootOptions).Success(map[string]int64{"revoked": opts.MerchantID}, func(w io.Writer) {
				fmt.Fprintf(w, "Revoked token of merchant %d\n", opts.MerchantID)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.MerchantID, "merchant", 0, "merchant ID (required)")
	_ = cmd.MarkFlagRequired("merchant")
	return cmd
}

func newTokenScoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "score <signals-json|@file|->",
		Short: "Compute the trust score for a login attempt",
		Long: `Compute the trust score for a login attempt from its risk signals.

Example:
  fieldsync token score '{"device":{"known":true,"timesSeen":12},"social":{"answerProvided":true,"answerCorrect":true,"attempt":1},"time":{"hour":10,"isUsualTime":true},"history":{"accountAgeDays":400}}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			data, err := readPayload(cmd, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read signals", err)
			}
			var in trust.Input
			if err := json.Unmarshal(data, &in); err != nil {
				_ = formatter.Error(ErrCodeInvalidInput, "signals are not valid JSON", nil)
				return WrapExitError(ExitCommandError, "invalid signals", err)
			}
			res := trust.Score(in)
			return formatter.Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "score %d: %s (%s confidence)\n", res.Total, res.Decision, res.Confidence)
				for _, f := range res.RiskFlags {
					fmt.Fprintf(w, "  %s\n", f)
				}
			})
		},
	}
}
