package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ngoyal88/relaylog/pkg/cache"
	"github.com/ngoyal88/relaylog/pkg/config"
	"github.com/ngoyal88/relaylog/pkg/hostmetrics"
	"github.com/ngoyal88/relaylog/pkg/record"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "init":
		adminKey, err := generateAdminKey()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate admin key")
		}
		if err := writeAdminKey(".env", adminKey); err != nil {
			log.Fatal().Err(err).Msg("failed to write .env")
		}
		fmt.Printf("AdminKey: %s\nSaved to .env (RELAYLOG_ADMIN_KEY).\n", adminKey)
	case "snapshot":
		handleSnapshot(args)
	case "check-config":
		handleCheckConfig(args)
	case "recent":
		handleRecent(args)
	case "tail":
		handleTail(args)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("relaylog-admin commands:")
	fmt.Println("  init                 Generate admin key and store in .env")
	fmt.Println("  snapshot             Print the host metrics a record would carry")
	fmt.Println("     flags: -proc")
	fmt.Println("  check-config         Load and validate the config file")
	fmt.Println("     flags: -config")
	fmt.Println("  recent               Print the newest records from the Redis stream")
	fmt.Println("     flags: -config -n")
	fmt.Println("  tail                 Follow records published on the Redis channel")
	fmt.Println("     flags: -config -pretty")
}

func mustLoadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	return cfg
}

func mustRedis(cfg *config.Config) *cache.Client {
	if cfg == nil || !cfg.Redis.Enabled {
		log.Fatal().Msg("redis is not enabled in config")
	}
	rdb, err := cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	return rdb
}

func generateAdminKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "admin_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// writeAdminKey sets RELAYLOG_ADMIN_KEY in envFile, keeping every other line.
func writeAdminKey(envFile, adminKey string) error {
	const prefix = "RELAYLOG_ADMIN_KEY="
	entry := prefix + adminKey

	data, err := os.ReadFile(envFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return os.WriteFile(envFile, []byte(entry+"\n"), 0o600)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(line, prefix) {
			lines[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, entry)
	}
	return os.WriteFile(envFile, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}

func handleSnapshot(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	proc := fs.String("proc", "/proc", "procfs mount point")
	if err := fs.Parse(args); err != nil {
		log.Fatal().Err(err).Msg("failed to parse flags")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := printSnapshot(ctx, os.Stdout, hostmetrics.NewProcSource(*proc), record.NewIdentity()); err != nil {
		log.Fatal().Err(err).Msg("failed to print snapshot")
	}
}

func printSnapshot(ctx context.Context, out io.Writer, src hostmetrics.Source, id record.Identity) error {
	system, network := record.HostSections(src.Snapshot(ctx))
	b, err := json.MarshalIndent(map[string]interface{}{
		"system":  system,
		"network": network,
		"server": record.Server{
			InstanceID: id.InstanceID,
			Platform:   id.Platform,
			Hostname:   id.Hostname,
		},
	}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

func handleCheckConfig(args []string) {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	path := fs.String("config", "", "config file")
	if err := fs.Parse(args); err != nil {
		log.Fatal().Err(err).Msg("failed to parse flags")
	}

	cfg := mustLoadConfig(*path)
	fmt.Printf("config OK: port=%s max_body_size=%d exclude=%v sinks=%s\n",
		cfg.Server.Port, cfg.Logging.MaxBodySize, cfg.Logging.ExcludePaths, enabledSinks(cfg))
}

func enabledSinks(cfg *config.Config) string {
	var names []string
	if cfg.Sink.Console.Enabled {
		names = append(names, "console")
	}
	if cfg.Sink.File.Enabled {
		names = append(names, "file")
	}
	if cfg.Sink.Redis.Enabled {
		names = append(names, "redis")
	}
	if cfg.Sink.Kafka.Enabled {
		names = append(names, "kafka")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func handleRecent(args []string) {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	path := fs.String("config", "", "config file")
	n := fs.Int64("n", 10, "number of records")
	if err := fs.Parse(args); err != nil {
		log.Fatal().Err(err).Msg("failed to parse flags")
	}

	cfg := mustLoadConfig(*path)
	rdb := mustRedis(cfg)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records, err := rdb.Recent(ctx, cfg.Sink.Redis.Stream, "record", *n)
	if err != nil {
		log.Fatal().Err(err).Str("stream", cfg.Sink.Redis.Stream).Msg("failed to read stream")
	}
	if len(records) == 0 {
		fmt.Println("No records found")
		return
	}
	// Oldest first, like a log file.
	for i := len(records) - 1; i >= 0; i-- {
		fmt.Println(string(records[i]))
	}
}

func handleTail(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	path := fs.String("config", "", "config file")
	pretty := fs.Bool("pretty", false, "render records for a terminal")
	if err := fs.Parse(args); err != nil {
		log.Fatal().Err(err).Msg("failed to parse flags")
	}

	cfg := mustLoadConfig(*path)
	if cfg.Sink.Redis.Channel == "" {
		log.Fatal().Msg("sink.redis.channel is not set")
	}
	rdb := mustRedis(cfg)
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgs, err := rdb.Subscribe(ctx, cfg.Sink.Redis.Channel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe")
	}

	var out io.Writer = os.Stdout
	if *pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, PartsOrder: []string{zerolog.MessageFieldName}}
	}
	for msg := range msgs {
		if _, err := out.Write(append(msg, '\n')); err != nil {
			log.Error().Err(err).Msg("failed to print record")
		}
	}
}
