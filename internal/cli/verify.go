package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/apsync/internal/feed"
	"github.com/roach88/apsync/internal/schema"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	SchemaDir string
}

// Problem is one rejected packet.
type Problem struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// VerifyResult holds verification results.
type VerifyResult struct {
	Valid    bool           `json:"valid"`
	Packets  int            `json:"packets"`
	Kinds    map[string]int `json:"kinds"`
	Problems []Problem      `json:"problems,omitempty"`
}

func (r VerifyResult) String() string {
	var b strings.Builder
	kinds := make([]string, 0, len(r.Kinds))
	for k := range r.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "  %-3s %d\n", k, r.Kinds[k])
	}
	for _, p := range r.Problems {
		fmt.Fprintf(&b, "✗ %s:%d: %s\n", p.File, p.Line, p.Message)
	}
	if r.Valid {
		fmt.Fprintf(&b, "✓ %d packet(s) valid", r.Packets)
	} else {
		fmt.Fprintf(&b, "%d of %d packet(s) rejected", len(r.Problems), r.Packets)
	}
	return b.String()
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify <packets-file>...",
		Short: "Check action packets without applying them",
		Long: `Parse action-packet files and check every payload against the
packet definitions.

Nothing is written to the cache. Use --schema to check against a CUE
package other than the built-in definitions.

Exit codes:
  0 - Every packet is valid
  1 - One or more packets were rejected
  2 - Command error (missing file, bad schema, etc.)`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.SchemaDir, "schema", "", "CUE package with packet definitions")

	return cmd
}

func runVerify(opts *VerifyOptions, files []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var (
		v   *schema.Schema
		err error
	)
	if opts.SchemaDir != "" {
		v, err = schema.Load(opts.SchemaDir)
	} else {
		v, err = schema.Default()
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load packet schema", err)
	}

	result := VerifyResult{Kinds: make(map[string]int)}
	for _, path := range files {
		formatter.VerboseLog("Verifying %s", path)
		if err := verifyFile(path, v, &result); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read %s", path), err)
		}
	}
	result.Valid = len(result.Problems) == 0

	if result.Valid {
		return formatter.Success(result)
	}

	msg := fmt.Sprintf("%d packet(s) rejected", len(result.Problems))
	if opts.Format == "json" {
		err = formatter.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: ErrCodeInvalid, Message: msg},
		})
	} else {
		err = formatter.Success(result)
	}
	if err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}

func verifyFile(path string, v *schema.Schema, result *VerifyResult) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := feed.NewReader(f)
	last := 0
	for {
		d, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// A read error does not advance the line counter.
			if r.Line() == last {
				return err
			}
			last = r.Line()
			result.Packets++
			result.Problems = append(result.Problems, Problem{File: path, Line: last, Message: err.Error()})
			continue
		}
		last = r.Line()
		result.Packets++
		result.Kinds[string(d.Kind)]++

		if err := v.Validate(d); err != nil {
			var verr *schema.ValidationError
			msg := err.Error()
			if errors.As(err, &verr) {
				msg = verr.Message
			}
			result.Problems = append(result.Problems, Problem{
				File:    path,
				Line:    last,
				Kind:    string(d.Kind),
				Message: msg,
			})
		}
	}
}
