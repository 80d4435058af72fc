package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HeteroCat/microtouch/config"
	core "github.com/HeteroCat/microtouch/internal/agent/core"
	"github.com/HeteroCat/microtouch/internal/fetch"
	"github.com/HeteroCat/microtouch/internal/tools"
)

// searchCMD runs a one-shot quick search from the terminal, without
// the server, the database or any push targets.
func searchCMD() *cobra.Command {
	var cfgPath string
	var feeds []string
	search := &cobra.Command{
		Use:   "search [query]",
		Short: "Run a one-shot agent search and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			cred, err := core.SelectProvider(cfg.LLM.Providers)
			if err != nil {
				return err
			}
			llm, err := core.NewLLMProvider(cred)
			if err != nil {
				return err
			}

			reg := tools.NewRegistry()
			reg.Register(tools.NewWebSearchTool(cfg.Tools.WebSearch))
			if cfg.Tools.WeChat.APIKey != "" {
				reg.Register(tools.NewWeChatSearchTool(cfg.Tools.WeChat, nil))
			}
			if len(feeds) > 0 {
				sources := make([]tools.FeedSource, 0, len(feeds))
				for _, u := range feeds {
					sources = append(sources, tools.FeedSource{Name: u, URL: u})
				}
				reg.Register(tools.NewRSSSearchTool(cfg.Tools.RSS, sources))
			}
			if cfg.Tools.Fetch.Enabled {
				reg.Register(tools.NewWebFetchTool(fetch.NewFetcher(cfg.Tools.Fetch.Timeout, cfg.Tools.Fetch.MaxChars)))
			}

			orch := core.NewOrchestrator(cfg, reg, llm, nil, nil, nil, nil)
			result := orch.QuickSearch(context.Background(), query, core.Options{})
			if !result.Success {
				return fmt.Errorf("search failed: %s", result.Error)
			}
			fmt.Println(result.Result.Summary)
			if len(result.Result.Items) > 0 {
				fmt.Printf("\n--- %d sources ---\n", len(result.Result.Items))
				for _, it := range result.Result.Items {
					fmt.Printf("- %s %s\n", it.Title, it.URL)
				}
			}
			return nil
		},
	}
	search.Flags().StringSliceVar(&feeds, "feed", nil, "RSS feed URL to search (repeatable)")
	search.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return search
}
