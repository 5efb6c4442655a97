package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/semanticweft/semanticweft/internal/identity"
	"github.com/semanticweft/semanticweft/internal/unit"
	"github.com/semanticweft/semanticweft/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	nodeURL string
	keyFile string
	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sweft",
	Short: "SemanticWeft node CLI",
	Long: `sweft is the command-line interface for SemanticWeft nodes.

It lets you create and submit semantic units, register your agent
identity, manage follow edges, and inspect a node's stored graph.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.sweft")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if nodeURL == "" {
			nodeURL = viper.GetString("node_url")
		}
		if nodeURL == "" {
			nodeURL = "http://localhost:8080"
		}
		if keyFile == "" {
			keyFile = viper.GetString("key_file")
		}
		if keyFile == "" {
			home, _ := os.UserHomeDir()
			keyFile = filepath.Join(home, ".sweft", "key")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.sweft/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&nodeURL, "node", "", "SemanticWeft node URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key", "", "Ed25519 seed file (default ~/.sweft/key)")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(subgraphCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(followCmd)
	rootCmd.AddCommand(unfollowCmd)
	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadIdentity reads the hex-encoded Ed25519 seed from keyFile.
func loadIdentity() (*identity.Identity, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key %q (run 'sweft keygen' first): %w", keyFile, err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file %q is not valid hex: %w", keyFile, err)
	}
	return identity.FromSeed(seed)
}

// newClient builds an SDK client, attaching the local identity when signed
// is true.
func newClient(signed bool) (*client.Client, error) {
	opts := []client.Option{}
	if signed {
		id, err := loadIdentity()
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithIdentity(id))
	}
	return client.New(nodeURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 identity and print its DID",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(keyFile); err == nil && !keygenForce {
			return fmt.Errorf("key file %q already exists; use --force to overwrite", keyFile)
		}

		id, err := identity.Generate()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
			return fmt.Errorf("create key dir: %w", err)
		}
		seedHex := hex.EncodeToString(id.Private.Seed())
		if err := os.WriteFile(keyFile, []byte(seedHex+"\n"), 0o600); err != nil {
			return fmt.Errorf("write key file: %w", err)
		}

		fmt.Printf("✓ Identity generated\n\n")
		fmt.Printf("  DID: %s\n", id.DID)
		fmt.Printf("  Key: %s\n\n", keyFile)
		fmt.Println("Next: sweft register --inbox-url <url> to register with a node")
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Overwrite an existing key file")
}

// ── whoami ───────────────────────────────────────────────────────────────────

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the DID of the local identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := loadIdentity()
		if err != nil {
			return err
		}
		fmt.Println(id.DID)
		return nil
	},
}

// ── info ─────────────────────────────────────────────────────────────────────

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the node's discovery document",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		info, err := c.NodeInfo(context.Background())
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

// ── submit ───────────────────────────────────────────────────────────────────

var (
	submitKind       string
	submitContent    string
	submitConfidence float64
	submitVisibility string
	submitRefs       []string
	submitFile       string
	submitNoSign     bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Create, sign, and submit a semantic unit",
	Long: `Submit builds a unit from flags, or reads a complete unit document
from --file ("-" for stdin), signs it with the local identity, and posts it:

  sweft submit --kind assertion --content "Water boils at 100°C at sea level"

  sweft submit --kind challenge --content "Only at 1 atm" \
      --ref rebuts:0192d3a0-5b5e-7cc0-a1f2-3e4d5c6b7a89

References take the form rel:unit-id with rel one of supports, rebuts,
derives-from, questions, or refines.`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitKind, "kind", "assertion", "Unit kind: assertion, question, inference, challenge, or constraint")
	submitCmd.Flags().StringVar(&submitContent, "content", "", "Natural-language content of the unit")
	submitCmd.Flags().Float64Var(&submitConfidence, "confidence", -1, "Author confidence in [0,1]; omit to leave unset")
	submitCmd.Flags().StringVar(&submitVisibility, "visibility", "", "Visibility: public, network, or limited (default public)")
	submitCmd.Flags().StringArrayVar(&submitRefs, "ref", nil, "Reference as rel:unit-id; repeatable")
	submitCmd.Flags().StringVar(&submitFile, "file", "", "Read a complete unit JSON document instead of building from flags ('-' for stdin)")
	submitCmd.Flags().BoolVar(&submitNoSign, "no-sign", false, "Submit without a proof (rejected by nodes that require signing)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	id, err := loadIdentity()
	if err != nil {
		return err
	}

	var u *unit.Unit
	if submitFile != "" {
		var data []byte
		if submitFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(submitFile)
		}
		if err != nil {
			return fmt.Errorf("read unit document: %w", err)
		}
		u = &unit.Unit{}
		if err := json.Unmarshal(data, u); err != nil {
			return fmt.Errorf("parse unit document: %w", err)
		}
	} else {
		if submitContent == "" {
			return fmt.Errorf("--content is required (or use --file)")
		}
		u, err = unit.New(unit.Kind(submitKind), submitContent, id.DID)
		if err != nil {
			return err
		}
		if submitConfidence >= 0 {
			conf := submitConfidence
			u.Confidence = &conf
		}
		if submitVisibility != "" {
			u.Visibility = unit.Visibility(submitVisibility)
		}
		for _, ref := range submitRefs {
			rel, refID, ok := strings.Cut(ref, ":")
			if !ok {
				return fmt.Errorf("invalid --ref %q: want rel:unit-id", ref)
			}
			u.References = append(u.References, unit.Reference{
				ID:  refID,
				Rel: unit.Rel(rel),
			})
		}
	}

	if err := unit.Validate(u); err != nil {
		return fmt.Errorf("unit is invalid: %w", err)
	}
	if !submitNoSign && u.Proof == nil {
		if err := unit.Sign(u, id.Private, id.DID); err != nil {
			return fmt.Errorf("sign unit: %w", err)
		}
	}

	c, err := client.New(nodeURL, client.WithIdentity(id))
	if err != nil {
		return err
	}
	if err := c.SubmitUnit(context.Background(), u); err != nil {
		return fmt.Errorf("submit unit: %w", err)
	}

	fmt.Printf("✓ Unit submitted\n\n")
	fmt.Printf("  ID:   %s\n", u.ID)
	fmt.Printf("  Kind: %s\n", u.Kind)
	return nil
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <unit-id>",
	Short: "Fetch a single unit by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		u, err := c.GetUnit(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(u)
	},
}

// ── list ─────────────────────────────────────────────────────────────────────

var (
	listKinds  []string
	listAuthor string
	listSince  string
	listAfter  string
	listLimit  int
	listFormat string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List units stored on the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Authenticate when a key is available so network units appear.
		signed := false
		if _, err := os.Stat(keyFile); err == nil {
			signed = true
		}
		c, err := newClient(signed)
		if err != nil {
			return err
		}

		page, err := c.ListUnits(context.Background(), client.ListOptions{
			Kinds:  listKinds,
			Author: listAuthor,
			Since:  listSince,
			After:  listAfter,
			Limit:  listLimit,
		})
		if err != nil {
			return err
		}

		if listFormat == "json" {
			return printJSON(page)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tAUTHOR\tCONTENT")
		for _, raw := range page.Units {
			var u unit.Unit
			if err := json.Unmarshal(raw, &u); err != nil {
				continue
			}
			content := u.Content
			if len(content) > 60 {
				content = content[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Kind, u.Author, content)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if page.HasMore {
			fmt.Printf("\nMore available: sweft list --after %s\n", page.Cursor)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringArrayVar(&listKinds, "kind", nil, "Filter by kind; repeatable")
	listCmd.Flags().StringVar(&listAuthor, "author", "", "Filter by author DID")
	listCmd.Flags().StringVar(&listSince, "since", "", "Only units with id at or after this unit id")
	listCmd.Flags().StringVar(&listAfter, "after", "", "Page cursor from a previous listing")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Page size (node default when 0)")
	listCmd.Flags().StringVar(&listFormat, "format", "text", "Output format: text or json")
}

// ── subgraph ─────────────────────────────────────────────────────────────────

var subgraphDepth int

var subgraphCmd = &cobra.Command{
	Use:   "subgraph <unit-id>",
	Short: "Fetch the units connected to a unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		out, err := c.Subgraph(context.Background(), args[0], subgraphDepth)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	subgraphCmd.Flags().IntVar(&subgraphDepth, "depth", 0, "Traversal depth in hops (node default when 0)")
}

// ── register ─────────────────────────────────────────────────────────────────

var (
	registerInboxURL string
	registerName     string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the local identity as an agent on the node",
	Long: `Register updates the local identity's agent profile on the node.

The request is signed, and the node verifies signatures against the key it
already holds for the DID, so the profile must have been provisioned by the
node operator first (for a development node, cmd/seed writes profiles
directly to the database).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := loadIdentity()
		if err != nil {
			return err
		}
		c, err := client.New(nodeURL, client.WithIdentity(id))
		if err != nil {
			return err
		}

		inboxURL := registerInboxURL
		if inboxURL == "" {
			inboxURL = strings.TrimRight(nodeURL, "/") + "/v1/agents/" + id.DID + "/inbox"
		}
		stored, err := c.RegisterAgent(context.Background(), client.AgentRecord{
			DID:       id.DID,
			InboxURL:  inboxURL,
			Name:      registerName,
			PublicKey: identity.MultibaseKey(id.Public),
		})
		if err != nil {
			return fmt.Errorf("register agent: %w", err)
		}

		fmt.Printf("✓ Agent registered\n\n")
		fmt.Printf("  DID:   %s\n", stored.DID)
		fmt.Printf("  Inbox: %s\n", stored.InboxURL)
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerInboxURL, "inbox-url", "", "Inbox URL (defaults to this node's hosted inbox)")
	registerCmd.Flags().StringVar(&registerName, "name", "", "Display name for the agent")
}

// ── follow / unfollow ────────────────────────────────────────────────────────

var followCmd = &cobra.Command{
	Use:   "follow <target-did>",
	Short: "Follow another agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := loadIdentity()
		if err != nil {
			return err
		}
		c, err := client.New(nodeURL, client.WithIdentity(id))
		if err != nil {
			return err
		}
		if err := c.Follow(context.Background(), id.DID, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Now following %s\n", args[0])
		return nil
	},
}

var unfollowCmd = &cobra.Command{
	Use:   "unfollow <target-did>",
	Short: "Stop following an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := loadIdentity()
		if err != nil {
			return err
		}
		c, err := client.New(nodeURL, client.WithIdentity(id))
		if err != nil {
			return err
		}
		if err := c.Unfollow(context.Background(), id.DID, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Unfollowed %s\n", args[0])
		return nil
	},
}

// ── inbox ────────────────────────────────────────────────────────────────────

var (
	inboxAfter string
	inboxLimit int
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Read the local identity's inbox on the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := loadIdentity()
		if err != nil {
			return err
		}
		c, err := client.New(nodeURL, client.WithIdentity(id))
		if err != nil {
			return err
		}
		page, err := c.Inbox(context.Background(), id.DID, inboxAfter, inboxLimit)
		if err != nil {
			return err
		}
		return printJSON(page)
	},
}

func init() {
	inboxCmd.Flags().StringVar(&inboxAfter, "after", "", "Page cursor from a previous read")
	inboxCmd.Flags().IntVar(&inboxLimit, "limit", 0, "Page size (node default when 0)")
}

// ── peers ────────────────────────────────────────────────────────────────────

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the node's known peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		out, err := c.Peers(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE ID\tAPI BASE\tREPUTATION\tLAST SEEN")
		for _, p := range out.Peers {
			lastSeen := p.LastSeen
			if t, err := time.Parse(time.RFC3339, p.LastSeen); err == nil {
				lastSeen = t.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", p.NodeID, p.APIBase, p.Reputation, lastSeen)
		}
		return w.Flush()
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sweft CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sweft %s (SemanticWeft)\n", version)
	},
}
