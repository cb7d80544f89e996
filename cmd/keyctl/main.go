// Package main はCLIツールのエントリポイント。
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "1.0.0"

// cfg はフラグと KEYCTL_* 環境変数から読み込んだ設定。
var cfg = viper.New()

func main() {
	// .envファイルを読み込む（存在しない場合は無視）
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "keyctl",
		Short:         "Content Protection Service CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// グローバルフラグ
	flags := rootCmd.PersistentFlags()
	flags.String("server", "", "API endpoint URL (or set KEYCTL_SERVER)")
	flags.String("output", "text", "Output format: text, json")
	flags.Duration("timeout", 30*time.Second, "Request timeout")

	cfg.SetEnvPrefix("KEYCTL")
	cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.AutomaticEnv()
	_ = cfg.BindPFlags(flags)

	// サブコマンド登録
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(revokeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func client() (*apiClient, error) {
	return newAPIClient(cfg.GetString("server"), cfg.GetDuration("timeout"))
}

func jsonOutput() bool {
	return cfg.GetString("output") == "json"
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keyctl version %s\n", version)
		},
	}
}

type keyMetadata struct {
	KeyID       string  `json:"key_id"`
	OwnerID     string  `json:"owner_id"`
	KeyType     string  `json:"key_type"`
	Algorithm   string  `json:"algorithm"`
	Generation  uint    `json:"generation"`
	Fingerprint string  `json:"fingerprint"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	RevokedAt   *string `json:"revoked_at"`
}

func keysPath(ownerID string, keyType ...string) string {
	p := "/v1/users/" + url.PathEscape(ownerID) + "/keys"
	for _, kt := range keyType {
		p += "/" + url.PathEscape(kt)
	}
	return p
}

func colorStatus(status string) string {
	switch status {
	case "active", "valid":
		return color.GreenString(status)
	case "revoked", "invalid":
		return color.RedString(status)
	}
	return color.YellowString(status)
}

func printKey(k keyMetadata) {
	fmt.Printf("Key ID:      %s\n", k.KeyID)
	fmt.Printf("Owner:       %s\n", k.OwnerID)
	fmt.Printf("Type:        %s\n", k.KeyType)
	fmt.Printf("Algorithm:   %s\n", k.Algorithm)
	fmt.Printf("Generation:  %d\n", k.Generation)
	fmt.Printf("Fingerprint: %s\n", k.Fingerprint)
	fmt.Printf("Status:      %s\n", colorStatus(k.Status))
	fmt.Printf("Created at:  %s\n", k.CreatedAt)
	if k.RevokedAt != nil {
		fmt.Printf("Revoked at:  %s\n", *k.RevokedAt)
	}
}

// createCmd は鍵の生成コマンド。
func createCmd() *cobra.Command {
	var ownerID, keyType string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Generate a new key pair for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			password := cfg.GetString("password")
			if password == "" {
				return fmt.Errorf("--password is required (or set KEYCTL_PASSWORD)")
			}

			body, err := c.do(cmd.Context(), http.MethodPost, keysPath(ownerID), map[string]string{
				"key_type": keyType,
				"password": password,
			}, http.StatusCreated)
			if err != nil {
				return err
			}

			if jsonOutput() {
				fmt.Println(string(body))
				return nil
			}
			var k keyMetadata
			if err := json.Unmarshal(body, &k); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			color.Green("Created %s key for %q (generation: %d)", k.KeyType, k.OwnerID, k.Generation)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner ID (required)")
	cmd.Flags().StringVar(&keyType, "type", "rsa", "Key type: rsa, e2ee, post_quantum")
	cmd.Flags().String("password", "", "Password protecting the private key (or set KEYCTL_PASSWORD)")
	_ = cfg.BindPFlag("password", cmd.Flags().Lookup("password"))
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// getCmd は有効な鍵の取得コマンド。
func getCmd() *cobra.Command {
	var ownerID, keyType string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get the active key of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(cmd.Context(), http.MethodGet, keysPath(ownerID, keyType), nil, http.StatusOK)
			if err != nil {
				return err
			}

			if jsonOutput() {
				fmt.Println(string(body))
				return nil
			}
			var k keyMetadata
			if err := json.Unmarshal(body, &k); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			printKey(k)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner ID (required)")
	cmd.Flags().StringVar(&keyType, "type", "rsa", "Key type: rsa, e2ee, post_quantum")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// listCmd は鍵一覧の取得コマンド。
func listCmd() *cobra.Command {
	var ownerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all keys of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(cmd.Context(), http.MethodGet, keysPath(ownerID), nil, http.StatusOK)
			if err != nil {
				return err
			}

			if jsonOutput() {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Keys []keyMetadata `json:"keys"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "TYPE\tGENERATION\tALGORITHM\tSTATUS\tCREATED_AT")
			for _, k := range result.Keys {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", k.KeyType, k.Generation, k.Algorithm, k.Status, k.CreatedAt)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner ID (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// revokeCmd は鍵の失効コマンド。
func revokeCmd() *cobra.Command {
	var ownerID, keyType, actorID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke the active key of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			path := keysPath(ownerID, keyType)
			if actorID != "" {
				path += "?actor_id=" + url.QueryEscape(actorID)
			}
			body, err := c.do(cmd.Context(), http.MethodDelete, path, nil, http.StatusOK)
			if err != nil {
				return err
			}

			if jsonOutput() {
				fmt.Println(string(body))
				return nil
			}
			var k keyMetadata
			if err := json.Unmarshal(body, &k); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			color.Yellow("Revoked %s key for %q (generation: %d)", k.KeyType, k.OwnerID, k.Generation)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner ID (required)")
	cmd.Flags().StringVar(&keyType, "type", "rsa", "Key type: rsa, e2ee, post_quantum")
	cmd.Flags().StringVar(&actorID, "actor", "", "Actor performing the revocation (defaults to owner)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// statusCmd は暗号機能の状態を表示する。
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show available encryption capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(cmd.Context(), http.MethodGet, "/v1/encryption/status", nil, http.StatusOK)
			if err != nil {
				return err
			}

			if jsonOutput() {
				fmt.Println(string(body))
				return nil
			}
			var s struct {
				PostQuantumAvailable  bool     `json:"post_quantum_available"`
				ClassicalFallback     bool     `json:"classical_fallback"`
				SealMode              string   `json:"seal_mode"`
				KDF                   string   `json:"kdf"`
				KDFIterations         int      `json:"kdf_iterations"`
				PostQuantumAlgorithms []string `json:"post_quantum_algorithms"`
				ContentMethods        []string `json:"content_methods"`
			}
			if err := json.Unmarshal(body, &s); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			pq := color.RedString("unavailable")
			if s.PostQuantumAvailable {
				pq = color.GreenString("available") + " (" + strings.Join(s.PostQuantumAlgorithms, ", ") + ")"
			}
			fmt.Printf("Post-quantum:       %s\n", pq)
			fmt.Printf("Classical fallback: %t\n", s.ClassicalFallback)
			fmt.Printf("Seal mode:          %s\n", s.SealMode)
			fmt.Printf("KDF:                %s (%d iterations)\n", s.KDF, s.KDFIterations)
			fmt.Printf("Content methods:    %s\n", strings.Join(s.ContentMethods, ", "))
			return nil
		},
	}
}

// auditCmd は監査ログの操作コマンド。
func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	var limit int
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify stored audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			path := "/v1/audit/verify"
			if limit > 0 {
				path += fmt.Sprintf("?limit=%d", limit)
			}
			body, err := c.do(cmd.Context(), http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}

			var report struct {
				Entries  int      `json:"entries"`
				Chained  bool     `json:"chained"`
				Valid    bool     `json:"valid"`
				Problems []string `json:"problems"`
			}
			if err := json.Unmarshal(body, &report); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if jsonOutput() {
				fmt.Println(string(body))
			} else {
				status := "valid"
				if !report.Valid {
					status = "invalid"
				}
				fmt.Printf("Entries: %d  Chained: %t  Result: %s\n", report.Entries, report.Chained, colorStatus(status))
				for _, p := range report.Problems {
					color.Red("  %s", p)
				}
			}
			if !report.Valid {
				return fmt.Errorf("audit trail verification failed with %d problem(s)", len(report.Problems))
			}
			return nil
		},
	}
	verify.Flags().IntVar(&limit, "limit", 0, "Number of most recent entries to verify (0 = all)")
	cmd.AddCommand(verify)
	return cmd
}
