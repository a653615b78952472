package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"instdocs/internal/auth"
	"instdocs/internal/client"
	"instdocs/internal/config"
	"instdocs/internal/docsync"
	"instdocs/internal/persistence"
	"instdocs/internal/protocol"
)

var errUsage = errors.New("usage")

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "token" {
		err = issueToken(os.Args[2:])
	} else {
		err = run(os.Args[1:])
	}
	switch {
	case errors.Is(err, errUsage):
		os.Exit(2)
	case err != nil:
		color.Red("%v", err)
		os.Exit(1)
	}
}

// run opens the document named by args and edits it until the input ends.
func run(args []string) error {
	fs := flag.NewFlagSet("instctl", flag.ContinueOnError)
	inst := fs.String("inst", "", "inst name")
	branch := fs.String("branch", "main", "branch name")
	record := fs.String("record", "", "record name, empty for a public inst")
	mapName := fs.String("map", "data", "name of the shared map to edit")
	static := fs.Bool("static", false, "load the branch once without watching it")
	temporary := fs.Bool("temporary", false, "do not keep a local copy on disk")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if *inst == "" {
		color.Red("-inst is required")
		fs.Usage()
		return errUsage
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logrus.SetLevel(cfg.LogLevel)
	log := logrus.WithField("component", "instctl")

	c := client.New(client.Options{URL: cfg.ServerURL, Token: cfg.Token, Log: log})
	c.Start()
	defer c.Close()

	factory := &docsync.Factory{Transport: c, Log: log}
	if !*temporary {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		store, err := persistence.Open(filepath.Join(cfg.DataDir, "docs.db"), log)
		if err != nil {
			return fmt.Errorf("failed to open local store: %w", err)
		}
		defer store.Close()
		factory.Persistence = store.Opener()
	}

	authSource := auth.NewSource()
	factory.Auth = authSource
	defer authSource.Subscribe(func(m auth.Message) {
		color.Red("\nauthentication needed for %s/%s (%s): %s", m.Resource.Inst, m.Resource.Branch,
			m.ErrorCode, m.ErrorMessage)
		color.Red("set TOKEN, for example with `instctl token`, and restart")
	})()

	doc, err := factory.Open(docsync.Config{
		RecordName: *record,
		Inst:       *inst,
		Branch:     *branch,
		Static:     *static,
		Temporary:  *temporary,
		LocalPersistence: &docsync.LocalPersistenceConfig{
			SaveToDisk:    !*temporary,
			EncryptionKey: cfg.EncryptionKey,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}
	defer doc.Close()

	defer doc.StatusUpdates().Subscribe(func(u docsync.StatusUpdate) {
		fmt.Printf("\n%s %s\n", color.YellowString("[%s]", u.Type), describeStatus(u))
	})()
	defer doc.ClientErrors().Subscribe(func(e *protocol.ErrorInfo) {
		color.Red("\n[server] %s: %s", e.Code, e.Message)
	})()
	defer doc.Events().Subscribe(func(a protocol.Action) {
		color.Magenta("\n[action] %s from %s %s", a.Type, a.ConnectionID, string(a.Data))
	})()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = doc.Connect(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	color.Green("editing %s, type help for commands", docTitle(*record, *inst, *branch))
	s := &session{doc: doc, mapName: *mapName, out: os.Stdout}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		err := s.run(context.Background(), scanner.Text())
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			color.Red("%v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

func docTitle(record, inst, branch string) string {
	parts := []string{inst, branch}
	if record != "" {
		parts = append([]string{record}, parts...)
	}
	return strings.Join(parts, "/")
}

// issueToken signs a login token with the server's JWT settings.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	records := fs.String("records", "", "comma separated record names, * for all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("-user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}

	var names []string
	for _, r := range strings.Split(*records, ",") {
		if r = strings.TrimSpace(r); r != "" {
			names = append(names, r)
		}
	}
	token, err := auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.TokenTTL).Issue(*user, names...)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
