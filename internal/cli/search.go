package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperjump/paperscope/internal/config"
	"github.com/hyperjump/paperscope/internal/models"
	"github.com/hyperjump/paperscope/internal/search"
)

type searchOptions struct {
	mode        string
	imagePath   string
	vector      string
	k           int
	threshold   float64
	modality    string
	textWeight  float64
	imageWeight float64
	serverURL   string
}

func newSearchCommand(opts *rootOptions) *cobra.Command {
	so := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search [flags] [query...]",
		Short: "Search indexed papers",
		Long: `Search by text, image, raw vector, text+image fusion, or text+keyword fusion.

The query is all remaining arguments joined by spaces, so multi-word queries work
with or without quotes.

Examples:
  paperscope search contrastive pretraining
  paperscope search --mode hybrid "graph neural networks"
  paperscope search --image figure.png
  paperscope search --image figure.png --text-weight 0.7 diffusion models
  paperscope search --vector 0.1,0.2,0.3,0.4 -k 10 --threshold 0.5
  paperscope search --server http://localhost:8080 attention`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := so.request(cmd, args)
			if err != nil {
				return err
			}
			format, err := opts.format()
			if err != nil {
				return err
			}
			var response *models.SearchResponse
			if so.serverURL != "" {
				response, err = newClient(so.serverURL).Search(cmd.Context(), req)
			} else {
				err = opts.withComponents(cmd, func(ctx context.Context, _ *config.Config, c *Components) error {
					var serr error
					response, serr = c.Engine.Do(ctx, req)
					return serr
				})
			}
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			return WriteSearchResults(cmd.OutOrStdout(), response, format)
		},
	}
	cmd.Flags().StringVarP(&so.mode, "mode", "m", "", "search mode: text, hybrid, image, vector, multimodal (default inferred)")
	cmd.Flags().StringVar(&so.imagePath, "image", "", "image file to search with")
	cmd.Flags().StringVar(&so.vector, "vector", "", "comma-separated query vector")
	cmd.Flags().IntVarP(&so.k, "k", "k", 0, "number of results (default search.default_k)")
	cmd.Flags().Float64Var(&so.threshold, "threshold", 0, "minimum similarity in [0,1]")
	cmd.Flags().StringVar(&so.modality, "modality", "", "modality tag for --vector queries (text, image)")
	cmd.Flags().Float64Var(&so.textWeight, "text-weight", 0, "text weight for multimodal fusion")
	cmd.Flags().Float64Var(&so.imageWeight, "image-weight", 0, "image weight for multimodal fusion")
	cmd.Flags().StringVar(&so.serverURL, "server", "", "query a running server instead of opening the stores")
	return cmd
}

// request builds a search request from flags and positional args.
func (so *searchOptions) request(cmd *cobra.Command, args []string) (*search.Request, error) {
	req := &search.Request{
		Mode:        so.mode,
		Text:        buildSearchQuery(args),
		K:           so.k,
		Modality:    so.modality,
		TextWeight:  so.textWeight,
		ImageWeight: so.imageWeight,
	}
	if cmd.Flags().Changed("threshold") {
		t := so.threshold
		req.Threshold = &t
	}
	if so.imagePath != "" {
		data, err := os.ReadFile(so.imagePath)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		req.Image = data
	}
	if so.vector != "" {
		vec, err := parseVector(so.vector)
		if err != nil {
			return nil, err
		}
		req.Vector = vec
	}
	if req.Text == "" && len(req.Image) == 0 && len(req.Vector) == 0 {
		return nil, fmt.Errorf("a query, --image or --vector is required")
	}
	return req, nil
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// parseVector parses "0.1,0.2, 0.3" into a vector.
func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vec = append(vec, float32(f))
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("empty vector")
	}
	return vec, nil
}
