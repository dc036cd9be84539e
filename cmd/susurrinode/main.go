// Package main is the thin command-line binary wrapping chatservice: derive
// or load an identity, bring up one node, and drive it from a line-oriented
// REPL. Stands in for the installer/UI layers the module itself is
// deliberately silent on.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/MagicCactus42/susurri/chatservice"
	"github.com/MagicCactus42/susurri/config"
	"github.com/MagicCactus42/susurri/dhtnode"
	"github.com/MagicCactus42/susurri/identity"
	"github.com/MagicCactus42/susurri/onion"
)

// cliConfig holds every command-line flag.
type cliConfig struct {
	address      string
	port         uint
	username     string
	identityFile string
	passphrase   string
	seedsFile    string
	logLevel     string
}

func parseCLIFlags() *cliConfig {
	c := &cliConfig{}
	flag.StringVar(&c.address, "address", "127.0.0.1", "this node's own dialable address, handed to peers as the Delivery/ACK target")
	flag.UintVar(&c.port, "port", 0, "listen port (0 picks an ephemeral port)")
	flag.StringVar(&c.username, "username", "", "username to publish this node's key record under (required)")
	flag.StringVar(&c.identityFile, "identity-file", defaultIdentityPath(), "path to the encrypted identity file, created on first run")
	flag.StringVar(&c.passphrase, "passphrase", "", "identity file passphrase (falls back to SUSURRI_PASSPHRASE, then an interactive prompt)")
	flag.StringVar(&c.seedsFile, "seeds-file", "", "optional YAML file listing bootstrap seeds")
	flag.StringVar(&c.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()
	return c
}

func defaultIdentityPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".susurri-identity"
	}
	return dir + "/.susurri-identity"
}

func main() {
	os.Exit(run())
}

func run() int {
	cli := parseCLIFlags()

	level, err := logrus.ParseLevel(cli.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", cli.logLevel, err)
		return 1
	}
	logrus.SetLevel(level)

	if cli.username == "" {
		fmt.Fprintln(os.Stderr, "-username is required")
		return 1
	}

	passphrase, err := resolvePassphrase(cli)
	if err != nil {
		logrus.WithError(err).Error("failed to resolve identity passphrase")
		return 1
	}

	id, err := loadOrCreateIdentity(cli.identityFile, passphrase)
	if err != nil {
		logrus.WithError(err).Error("failed to load or create identity")
		return 1
	}

	seeds, err := loadSeeds(cli.seedsFile)
	if err != nil {
		logrus.WithError(err).Error("failed to load seeds file")
		return 1
	}

	cs := chatservice.New(config.Default(), id)
	cs.OnMessage(func(msg onion.ChatMessage) {
		fmt.Printf("\n[%x] %s\n> ", msg.SenderPublicKey[:4], msg.Content)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cs.Start(ctx, cli.address, uint16(cli.port), cli.username, seeds); err != nil {
		logrus.WithError(err).Error("failed to start chat service")
		return 1
	}
	defer cs.Stop()

	logrus.WithFields(logrus.Fields{
		"username": cli.username,
		"address":  cli.address,
	}).Info("node is listening, type 'send <username> <message>' or 'quit'")

	setupSignalHandling(cancel)
	runREPL(ctx, cs)
	return 0
}

// setupSignalHandling cancels ctx on SIGINT/SIGTERM, letting the REPL loop
// and any in-flight sends unwind gracefully.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Info("received interrupt, shutting down")
		cancel()
	}()
}

// runREPL reads "send <username> <message...>" lines from stdin until EOF,
// ctx cancellation, or "quit".
func runREPL(ctx context.Context, cs *chatservice.ChatService) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "quit" || line == "exit":
			return
		case strings.HasPrefix(line, "send "):
			handleSendCommand(ctx, cs, strings.TrimPrefix(line, "send "))
		default:
			fmt.Println("commands: send <username> <message>, quit")
		}
		fmt.Print("> ")
	}
}

func handleSendCommand(ctx context.Context, cs *chatservice.ChatService, rest string) {
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 || parts[1] == "" {
		fmt.Println("usage: send <username> <message>")
		return
	}
	recipient, body := parts[0], parts[1]

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pending, err := cs.SendMessage(sendCtx, recipient, []byte(body))
	if err != nil {
		fmt.Printf("send failed: %v\n", err)
		return
	}
	fmt.Printf("sent, message id %x, status %s\n", pending.MessageID[:4], pending.Status)
}

// resolvePassphrase prefers the -passphrase flag, then SUSURRI_PASSPHRASE,
// then an interactive stdin prompt.
func resolvePassphrase(cli *cliConfig) (string, error) {
	if cli.passphrase != "" {
		return cli.passphrase, nil
	}
	if env := os.Getenv("SUSURRI_PASSPHRASE"); env != "" {
		return env, nil
	}
	fmt.Print("identity passphrase: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return "", fmt.Errorf("cmd/susurrinode: no passphrase entered")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

// seedsDoc is the YAML shape of -seeds-file: a flat list of bootstrap
// contact points, grounded on the corpus's convention of a top-level YAML
// document per config concern.
type seedsDoc struct {
	Seeds []struct {
		Address string `yaml:"address"`
		Port    uint16 `yaml:"port"`
	} `yaml:"seeds"`
}

// gcmNonceSize is the standard AES-GCM nonce length identity.EncryptCredentials
// always produces, fixing the on-disk layout below.
const gcmNonceSize = 12

// loadOrCreateIdentity reads the encrypted mnemonic at path, decrypting it
// with passphrase; if the file does not exist, a fresh mnemonic is
// generated, printed once, and saved encrypted at path before returning.
// The on-disk layout is salt(identity.SaltSize) || nonce(gcmNonceSize) ||
// ciphertext, matching the salt/nonce/ciphertext triple
// identity.EncryptCredentials returns.
func loadOrCreateIdentity(path, passphrase string) (*identity.Identity, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return createIdentity(path, passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("cmd/susurrinode: read identity file: %w", err)
	}

	if len(raw) < identity.SaltSize+gcmNonceSize {
		return nil, fmt.Errorf("cmd/susurrinode: identity file %q is truncated", path)
	}
	salt := raw[:identity.SaltSize]
	nonce := raw[identity.SaltSize : identity.SaltSize+gcmNonceSize]
	ciphertext := raw[identity.SaltSize+gcmNonceSize:]

	mnemonic, err := identity.DecryptCredentials(ciphertext, salt, nonce, passphrase)
	if err != nil {
		return nil, fmt.Errorf("cmd/susurrinode: decrypt identity file: %w", err)
	}
	return identity.FromMnemonic(string(mnemonic))
}

func createIdentity(path, passphrase string) (*identity.Identity, error) {
	mnemonic, err := identity.GenerateMnemonic(128)
	if err != nil {
		return nil, fmt.Errorf("cmd/susurrinode: generate mnemonic: %w", err)
	}
	fmt.Println("new identity generated, write this mnemonic down, it cannot be recovered:")
	fmt.Println(mnemonic)

	ciphertext, salt, nonce, err := identity.EncryptCredentials([]byte(mnemonic), passphrase)
	if err != nil {
		return nil, fmt.Errorf("cmd/susurrinode: encrypt identity: %w", err)
	}
	raw := append(append(salt, nonce...), ciphertext...)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("cmd/susurrinode: write identity file: %w", err)
	}

	return identity.FromMnemonic(mnemonic)
}

func loadSeeds(path string) ([]dhtnode.Seed, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cmd/susurrinode: read seeds file: %w", err)
	}
	var doc seedsDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("cmd/susurrinode: parse seeds file: %w", err)
	}
	seeds := make([]dhtnode.Seed, 0, len(doc.Seeds))
	for _, s := range doc.Seeds {
		seeds = append(seeds, dhtnode.Seed{Address: s.Address, Port: s.Port})
	}
	return seeds, nil
}
