package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/node"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - a distributed object-capability vat runtime",
	Long: `Hutch hosts vats: persistent processes whose urbjects hold exactly
the authority they were granted and exchange encrypted, exactly-once
messages. This CLI creates and runs nodes and administers the objects
they store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("basedir", ".", "Node base directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(urbjectCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(pokeCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Options{
		Level: logLevel,
		JSON:  logJSON,
	})
}

func basedir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("basedir")
	return dir
}

// openNode loads the node in --basedir for offline administration. The
// running node holds the database lock, so admin commands need it
// stopped (use poke against a live node instead).
func openNode(cmd *cobra.Command) (*node.Node, error) {
	n, err := node.Open(basedir(cmd))
	if err != nil {
		return nil, fmt.Errorf("'%s' doesn't look like a hutch basedir: %w", basedir(cmd), err)
	}
	return n, nil
}

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage the local node",
}

var nodeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new node",
	Long: `Create a new node: mint its keypair (the public key is the vat
identity), initialize the database, and write node.yaml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		vatid, err := node.Create(basedir(cmd), listen)
		if err != nil {
			return err
		}
		fmt.Printf("node created in %s\n", basedir(cmd))
		fmt.Printf("vat id: %s\n", vatid)
		return nil
	},
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		// node.yaml supplies the logging setup unless the flags
		// overrode it on the command line
		flags := rootCmd.PersistentFlags()
		if !flags.Changed("log-level") && !flags.Changed("log-json") {
			log.Init(log.Options{
				Level: n.Config.LogLevel,
				JSON:  n.Config.LogJSON,
			})
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()
		return n.Run(ctx)
	},
}

var nodeInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show node identity and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()
		fmt.Printf("vat id: %s\n", n.VatID())
		fmt.Printf("listen: %s\n", n.Config.Listen)
		return nil
	},
}

func init() {
	nodeCreateCmd.Flags().String("listen", "", "Listen address (host:port)")
	nodeCmd.AddCommand(nodeCreateCmd)
	nodeCmd.AddCommand(nodeRunCmd)
	nodeCmd.AddCommand(nodeInfoCmd)
}

// Memory commands
var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage stored memories",
}

var memoryCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		data := "{}"
		if file, _ := cmd.Flags().GetString("from-file"); file != "" {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			data = string(raw)
		}
		memid, err := n.Runtime().CreateMemory(data)
		if err != nil {
			return err
		}
		fmt.Printf("new memid: %s\n", memid)
		return nil
	},
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		return n.Store().View(func(tx *storage.Tx) error {
			memories, err := tx.ListMemories()
			if err != nil {
				return err
			}
			fmt.Println("memid: size")
			for _, m := range memories {
				fmt.Printf("%s: %d\n", m.ID, len(m.DataJSON))
			}
			fmt.Printf("%d memory slots total\n", len(memories))
			return nil
		})
	},
}

var memoryDumpCmd = &cobra.Command{
	Use:   "dump <memid>",
	Short: "Dump a memory's contents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		return n.Store().View(func(tx *storage.Tx) error {
			m, err := tx.GetMemory(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("DATA: %s\n", strings.TrimSpace(m.DataJSON))
			return nil
		})
	},
}

func init() {
	memoryCreateCmd.Flags().String("from-file", "", "Initial contents (JSON file)")
	memoryCmd.AddCommand(memoryCreateCmd)
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memoryDumpCmd)
}

// Urbject commands
var urbjectCmd = &cobra.Command{
	Use:   "urbject",
	Short: "Manage stored urbjects",
}

var urbjectCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an urbject from a code file",
	Long: `Create an urbject bound to a fresh power granting the named memory
(if any) plus make_urbject. Prints the new spid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		codeFile, _ := cmd.Flags().GetString("code-file")
		if codeFile == "" {
			return fmt.Errorf("--code-file is required")
		}
		code, err := os.ReadFile(codeFile)
		if err != nil {
			return err
		}
		memid, _ := cmd.Flags().GetString("memory")

		urbjid, err := n.Runtime().CreateUrbject(string(code), memid)
		if err != nil {
			return err
		}
		fmt.Printf("new spid: %s\n", types.MakeSpid(n.VatID(), urbjid))
		return nil
	},
}

var urbjectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored urbjects",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		return n.Store().View(func(tx *storage.Tx) error {
			urbjects, err := tx.ListUrbjects()
			if err != nil {
				return err
			}
			fmt.Println("spid: code-size")
			for _, u := range urbjects {
				fmt.Printf("%s: %d\n", types.MakeSpid(n.VatID(), u.ID), len(u.Code))
			}
			fmt.Printf("%d objects total\n", len(urbjects))
			return nil
		})
	},
}

var urbjectDumpCmd = &cobra.Command{
	Use:   "dump <spid|urbjid>",
	Short: "Dump an urbject, its power, and its code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		urbjid := args[0]
		if vatid, u, err := types.ParseSpid(args[0]); err == nil {
			fmt.Printf("vat: %s\n", vatid)
			urbjid = u
		}
		return n.Store().View(func(tx *storage.Tx) error {
			u, err := tx.GetUrbject(urbjid)
			if err != nil {
				return err
			}
			fmt.Printf("urbj: %s\n", u.ID)
			fmt.Printf("power: %s\n", u.PowID)
			p, err := tx.GetPower(u.PowID)
			if err != nil {
				return err
			}
			fmt.Printf("POWER: %s\n", strings.TrimSpace(p.PowerJSON))
			fmt.Println("CODE:")
			fmt.Println(strings.TrimSpace(u.Code))
			return nil
		})
	},
}

func init() {
	urbjectCreateCmd.Flags().String("code-file", "", "Guest code file (required)")
	urbjectCreateCmd.Flags().String("memory", "", "Memory to grant (memid)")
	urbjectCmd.AddCommand(urbjectCreateCmd)
	urbjectCmd.AddCommand(urbjectListCmd)
	urbjectCmd.AddCommand(urbjectDumpCmd)
}

// Peer commands
var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Manage the peer address book",
}

var peerAddCmd = &cobra.Command{
	Use:   "add <vatid> <url>",
	Short: "Add or update a peer address",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		if !strings.HasPrefix(args[0], "vat-") {
			return fmt.Errorf("not a vat id: %q", args[0])
		}
		return n.Store().Update(func(tx *storage.Tx) error {
			return tx.PutPeer(&types.Peer{VatID: args[0], URL: args[1]})
		})
	},
}

var peerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		return n.Store().View(func(tx *storage.Tx) error {
			peers, err := tx.ListPeers()
			if err != nil {
				return err
			}
			for _, p := range peers {
				fmt.Printf("%s %s\n", p.VatID, p.URL)
			}
			return nil
		})
	},
}

func init() {
	peerCmd.AddCommand(peerAddCmd)
	peerCmd.AddCommand(peerListCmd)
}

// Send command
var sendCmd = &cobra.Command{
	Use:   "send <spid>",
	Short: "Queue a single invoke for an urbject",
	Long: `Queue an invoke message for the urbject named by spid. A local
target runs immediately; a remote one is delivered the next time the
node runs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Close()

		vatid, urbjid, err := types.ParseSpid(args[0])
		if err != nil {
			return err
		}
		argsJSON, _ := cmd.Flags().GetString("args")

		err = n.Runtime().QueueEnvelope(vatid, &types.Envelope{
			Command:  types.CommandInvoke,
			UrbjID:   urbjid,
			ArgsJSON: argsJSON,
		})
		if err != nil {
			return err
		}
		if vatid == n.VatID() {
			turns, err := n.Runtime().DrainInbound()
			if err != nil {
				return err
			}
			fmt.Printf("delivered locally, %d turn(s)\n", turns)
			return nil
		}
		fmt.Println("queued; run the node to deliver")
		return nil
	},
}

func init() {
	sendCmd.Flags().String("args", "{}", "Invoke arguments (JSON)")
}

// Poke command: talk to a *running* node through its control port.
var pokeCmd = &cobra.Command{
	Use:   "poke [message]",
	Short: "Poke the running node's control port",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := basedir(cmd)
		cfg, err := node.LoadConfig(dir)
		if err != nil {
			return fmt.Errorf("'%s' doesn't look like a hutch basedir: %w", dir, err)
		}
		nonce, err := os.ReadFile(dir + "/web.nonce")
		if err != nil {
			return fmt.Errorf("node does not appear to be running: %w", err)
		}

		message := ""
		if len(args) == 1 {
			message = args[0]
		}
		req, err := http.NewRequest(http.MethodPost,
			"http://"+cfg.Listen+"/poke", strings.NewReader(message))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(nonce)))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		fmt.Print(string(body))
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("poke failed: %s", resp.Status)
		}
		return nil
	},
}
