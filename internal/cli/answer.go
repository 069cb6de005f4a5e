package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/phonetic"
)

// NewAnswerCommand creates the answer command group for spoken security
// answers.
func NewAnswerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "answer",
		Short: "Prepare and match spoken security answers",
		Long: `Prepare and match spoken security answers.

Answers are compared after normalization, first exactly, then by French
phonetic code word by word, then by edit distance.`,
	}
	cmd.AddCommand(newAnswerPrepareCommand(rootOpts))
	cmd.AddCommand(newAnswerMatchCommand(rootOpts))
	cmd.AddCommand(newAnswerVerifyCommand(rootOpts))
	return cmd
}

func newAnswerPrepareCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "prepare <answer>",
		Short:         "Derive the stored forms of an answer",
		Example:       `  fieldsync answer prepare "Bamako"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			stored, err := phonetic.Prepare(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to prepare answer", err)
			}
			return newFormatter(cmd, rootOpts).Success(stored, func(w io.Writer) {
				fmt.Fprintf(w, "normalized: %s\ncode:       %s\nhash:       %s\n", stored.Normalized, stored.Code, stored.Hash)
			})
		},
	}
}

func newAnswerMatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "match <input> <stored>...",
		Short: "Match a transcribed answer against stored answers",
		Long: `Match a transcribed answer against one or more stored answers.

With several stored answers the best match is reported. Exits with status 1
when nothing matches.`,
		Example:       `  fieldsync answer match "Filipe" "Philippe"`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			input, stored := args[0], args[1:]

			var res phonetic.Result
			if len(stored) == 1 {
				res = phonetic.Match(input, stored[0])
			} else {
				answers := make([]phonetic.StoredAnswer, len(stored))
				for i, s := range stored {
					n := phonetic.Normalize(s)
					answers[i] = phonetic.StoredAnswer{Normalized: n, Code: phonetic.Codes(n)}
				}
				best, ok := phonetic.BestMatch(input, answers)
				if ok {
					res = best
				} else {
					res = phonetic.Result{Method: phonetic.MethodNone, NormalizedInput: phonetic.Normalize(input)}
				}
			}

			if err := newFormatter(cmd, rootOpts).Success(res, func(w io.Writer) {
				if !res.IsMatch {
					fmt.Fprintf(w, "no match for %q\n", res.NormalizedInput)
					return
				}
				fmt.Fprintf(w, "match (%s, similarity %.2f): %q ~ %q\n",
					res.Method, res.Similarity, res.NormalizedInput, res.NormalizedStored)
			}); err != nil {
				return err
			}
			if !res.IsMatch {
				return NewExitError(ExitFailure, "no match")
			}
			return nil
		},
	}
}

func newAnswerVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "verify <answer> <salt:hash>",
		Short:         "Check an answer against its stored hash",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ok := phonetic.VerifyHash(args[0], args[1])
			if err := newFormatter(cmd, rootOpts).Success(map[string]bool{"verified": ok}, func(w io.Writer) {
				if ok {
					fmt.Fprintln(w, "verified")
				} else {
					fmt.Fprintln(w, "not verified")
				}
			}); err != nil {
				return err
			}
			if !ok {
				return NewExitError(ExitFailure, "answer does not match hash")
			}
			return nil
		},
	}
}

// NewPhoneCommand creates the phone command.
func NewPhoneCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "phone <number>",
		Short: "Validate and format an Ivorian phone number",
		Example: `  fieldsync phone "07 08 09 10 11"
  fieldsync phone +2250708091011`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)
			p, ok := phonetic.ValidatePhone(args[0])
			if !ok {
				_ = formatter.Error(ErrCodeInvalidInput, "not a valid phone number", nil)
				return NewExitError(ExitFailure, "invalid phone number")
			}
			return formatter.Success(p, func(w io.Writer) {
				fmt.Fprintln(w, p.Formatted)
			})
		},
	}
}
