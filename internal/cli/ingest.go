package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"recipe-ingest/internal/bootstrap"
	"recipe-ingest/internal/core/lifecycle"
	"recipe-ingest/internal/core/pipeline"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/infrastructure/config"
	infrastore "recipe-ingest/internal/infrastructure/store"
	"recipe-ingest/internal/pkg/common"

	"github.com/spf13/cobra"
)

// ErrTaskNotReady 任務未到達 ReviewReady
var ErrTaskNotReady = errors.New("task did not reach review")

type ingestOptions struct {
	url         string
	query       string
	provider    string
	promptID    string
	constraints map[string]string
	commit      bool
	timeout     time.Duration
}

// ingestOutput JSON 輸出
type ingestOutput struct {
	Task   *task.Task              `json:"task"`
	Commit *lifecycle.CommitResult `json:"commit,omitempty"`
}

func newIngestCmd(flags *globalFlags, load loadConfig) *cobra.Command {
	opts := &ingestOptions{}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one recipe from a URL or a search query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (opts.url == "") == (opts.query == "") {
				return errors.New("exactly one of --url or --query is required")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			return runIngest(cmd.Context(), cmd.OutOrStdout(), cfg, flags.output, opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "Recipe page URL")
	cmd.Flags().StringVar(&opts.query, "query", "", "Search query")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Search provider id (defaults to the configured provider)")
	cmd.Flags().StringVar(&opts.promptID, "prompt", "", "Extraction prompt id")
	cmd.Flags().StringToStringVar(&opts.constraints, "constraint", nil, "Query constraint key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.commit, "commit", false, "Commit the draft when it is ready")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 3*time.Minute, "Overall time limit")
	return cmd
}

func runIngest(ctx context.Context, w io.Writer, cfg *config.Config, output string, opts *ingestOptions) error {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Stores: infrastore.NewMemory(), Synchronous: true})
	if err != nil {
		return err
	}
	defer app.Close()

	req := pipeline.CreateRequest{
		Mode:        string(task.ModeURL),
		URL:         opts.url,
		ProviderID:  opts.provider,
		PromptID:    opts.promptID,
		Constraints: opts.constraints,
	}
	if opts.query != "" {
		req.Mode = string(task.ModeQuery)
		req.URL = ""
		req.Query = opts.query
	}

	created, err := app.Runner.Submit(ctx, req)
	if err != nil {
		return describe(err)
	}
	runErr := app.Runner.Run(ctx, created.ID)

	t, err := app.Lifecycle.Get(context.WithoutCancel(ctx), created.ID)
	if err != nil {
		return err
	}

	out := ingestOutput{Task: t}
	if opts.commit && t.Status == task.StatusReviewReady {
		res, err := app.Lifecycle.Commit(ctx, t.ID, lifecycle.CommitRequest{ETag: t.ETag})
		if err != nil {
			runErr = err
		} else {
			out.Commit = res
			out.Task = res.Task
		}
	}

	if output == OutputJSON {
		if err := writeJSON(w, out); err != nil {
			return err
		}
	} else {
		printSummary(w, out)
	}

	if runErr != nil {
		return describe(runErr)
	}
	if t.Status != task.StatusReviewReady {
		return ErrTaskNotReady
	}
	return nil
}

func printSummary(w io.Writer, out ingestOutput) {
	t := out.Task
	fmt.Fprintf(w, "task      %s\n", t.ID)
	fmt.Fprintf(w, "status    %s (%d%%)\n", t.Status, t.Progress)
	if t.Result != nil && t.Result.Error != nil {
		e := t.Result.Error
		fmt.Fprintf(w, "error     %s in %s: %s\n", e.Code, e.Phase, e.Message)
	}
	if u := t.Metadata[task.MetaSelectedURL]; u != "" {
		fmt.Fprintf(w, "selected  %s\n", u)
	}

	if d := t.Draft(); d != nil && d.Recipe != nil {
		fmt.Fprintf(w, "recipe    %s\n", d.Recipe.Name)
		fmt.Fprintf(w, "method    %s\n", d.Source.ExtractionMethod)
		fmt.Fprintf(w, "contents  %d ingredients, %d steps\n", len(d.Recipe.Ingredients), len(d.Recipe.Instructions))
		if d.Similarity != nil {
			fmt.Fprintf(w, "overlap   %d tokens, ngram %.2f\n", d.Similarity.MaxContiguousTokenOverlap, d.Similarity.MaxNgramSimilarity)
		}
		if d.Blocked {
			fmt.Fprintln(w, "guardrail blocked")
		}
		for _, e := range d.Validation.Errors {
			fmt.Fprintf(w, "invalid   %s\n", e)
		}
		for _, warn := range d.Validation.Warnings {
			fmt.Fprintf(w, "warning   %s\n", warn)
		}
	}

	if out.Commit != nil {
		fmt.Fprintf(w, "committed %s\n", out.Commit.Recipe.ID)
		for _, warn := range out.Commit.Warnings {
			fmt.Fprintf(w, "warning   %s\n", warn)
		}
	}
}

// describe 帶出錯誤代碼
func describe(err error) error {
	if ce := common.AsCustomError(err); ce != nil {
		return fmt.Errorf("%s: %w", ce.Code, err)
	}
	return err
}
