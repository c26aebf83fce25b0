package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"tramando/api/internal/auth"
	"tramando/api/internal/config"
	"tramando/api/internal/contentstore"
	"tramando/api/internal/search"
	"tramando/api/internal/versions"
)

var cfg = loadConfig()

var rootCmd = &cobra.Command{
	Use:   "tramandoctl",
	Short: "Inspect and maintain Tramando project histories",
	Long: `tramandoctl works directly on the per-project version repositories and is
meant for operators: listing versions, reading old content, tagging and
issuing API tokens.`,
	SilenceUsage: true,
}

func loadConfig() config.Config {
	loaded, err := config.Load()
	if err != nil {
		return config.Defaults()
	}
	return loaded
}

func repository() *versions.GitRepository {
	return versions.NewGitRepository(cfg.ReposDir, versions.WithContentFile(cfg.ContentFile))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfg.ReposDir, "repos-dir", cfg.ReposDir, "Directory holding one repository per project")
	rootCmd.PersistentFlags().StringVar(&cfg.ProjectsDir, "projects-dir", cfg.ProjectsDir, "Directory holding file-backed project content")
	rootCmd.PersistentFlags().StringVar(&cfg.ContentFile, "content-file", cfg.ContentFile, "Name of the tracked content file")

	var versionsCmd = &cobra.Command{
		Use:   "versions",
		Short: "Work with a project's version history",
	}

	var listCmd = &cobra.Command{
		Use:   "list <project>",
		Short: "List versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			items, err := repository().ListVersions(context.Background(), args[0], limit)
			if err != nil {
				return fmt.Errorf("listing versions: %w", err)
			}
			if len(items) == 0 {
				fmt.Println("No versions yet")
				return nil
			}

			yellow := color.New(color.FgYellow).SprintFunc()
			green := color.New(color.FgGreen).SprintFunc()
			faint := color.New(color.Faint).SprintFunc()
			for _, v := range items {
				label := ""
				if v.IsTag {
					label = " " + green("("+v.Tag+")")
				}
				fmt.Printf("%s%s %s %s\n", yellow(v.ShortRef), label, v.Message, faint(v.Timestamp.Format(time.RFC3339)+" "+v.Author))
			}
			return nil
		},
	}

	var showCmd = &cobra.Command{
		Use:   "show <project> <ref>",
		Short: "Print the content recorded by a tag or commit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := repository().VersionContent(context.Background(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("reading version: %w", err)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), content)
			return err
		},
	}

	var tagCmd = &cobra.Command{
		Use:   "tag <project> <name>",
		Short: "Commit the working copy and tag it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")
			author, _ := cmd.Flags().GetString("author")
			v, err := repository().CreateTaggedVersion(context.Background(), args[0], args[1], message, author)
			if err != nil {
				return fmt.Errorf("tagging: %w", err)
			}
			color.Green("Tagged %s as %s", v.ShortRef, v.Tag)
			return nil
		},
	}

	var ensureCmd = &cobra.Command{
		Use:   "ensure <project>",
		Short: "Start version history for a project that has none",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := repository()
			if repo.Exists(args[0]) {
				fmt.Println("Repository already present")
				return nil
			}
			if err := repo.Ensure(context.Background(), args[0]); err != nil {
				return fmt.Errorf("initializing repository: %w", err)
			}
			color.Green("Initialized history for %s", args[0])
			return nil
		},
	}

	var hashCmd = &cobra.Command{
		Use:   "hash [file]",
		Short: "Print the content hash used for optimistic locking",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("reading content: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), contentstore.Hash(string(data)))
			return nil
		},
	}

	var tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if name == "" {
				name = user
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), user, name, role, ttl)
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	var reindexCmd = &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch project index from file-backed content",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.MeiliURL == "" {
				return fmt.Errorf("MEILI_URL is not set")
			}
			records, err := projectRecords(context.Background())
			if err != nil {
				return err
			}
			meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, nil)
			defer meiliClient.Close()
			if !meiliClient.Healthy() {
				return fmt.Errorf("meilisearch at %s is not reachable", cfg.MeiliURL)
			}
			n, err := search.NewService(meiliClient, nil).ReindexAll(records)
			if err != nil {
				return fmt.Errorf("reindexing: %w", err)
			}
			color.Green("Queued %d projects for indexing", n)
			return nil
		},
	}

	listCmd.Flags().IntP("limit", "n", 20, "Maximum number of versions (0 = all)")
	tagCmd.Flags().StringP("message", "m", "", "Version message")
	tagCmd.Flags().StringP("author", "a", "tramandoctl", "Author recorded on the commit and tag")
	tokenCmd.Flags().StringP("user", "u", "", "User id (token subject)")
	tokenCmd.Flags().String("name", "", "Display name (defaults to the user id)")
	tokenCmd.Flags().StringP("role", "r", "editor", "Role: viewer, writer, editor, admin")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	versionsCmd.AddCommand(listCmd)
	versionsCmd.AddCommand(showCmd)
	versionsCmd.AddCommand(tagCmd)
	versionsCmd.AddCommand(ensureCmd)

	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(reindexCmd)
}

// projectRecords loads every project directory under the projects dir that
// holds a content file.
func projectRecords(ctx context.Context) ([]search.ProjectRecord, error) {
	store, err := contentstore.NewFileStore(cfg.ProjectsDir, contentstore.WithContentFile(cfg.ContentFile))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(cfg.ProjectsDir)
	if err != nil {
		return nil, fmt.Errorf("reading projects dir: %w", err)
	}
	now := time.Now()
	records := make([]search.ProjectRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || contentstore.ValidateProjectID(entry.Name()) != nil {
			continue
		}
		content, err := store.Load(ctx, entry.Name())
		if errors.Is(err, contentstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", entry.Name(), err)
		}
		records = append(records, search.RecordFromContent(entry.Name(), content, contentstore.Hash(content), now))
	}
	return records, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
