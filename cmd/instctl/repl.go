package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"instdocs/internal/docsync"
	"instdocs/internal/protocol"
)

var errQuit = errors.New("quit")

const helpText = `commands:
  set <key> <value>     set a map entry; value is JSON or a plain string
  get <key>             print a map entry
  del <key>             delete a map entry
  show                  print the whole map
  append <text>         append to the shared text
  text                  print the shared text
  action <type> [json]  send an action to the other watchers
  status                print the connection status
  help                  show this help
  quit                  exit`

// session runs REPL commands against one shared document.
type session struct {
	doc     *docsync.SharedDocument
	mapName string
	out     io.Writer
}

func (s *session) data() *docsync.SharedMap {
	return s.doc.GetMap(s.mapName)
}

func (s *session) text() *docsync.SharedText {
	return s.doc.GetText(s.mapName + "-text")
}

// run executes one line. It returns errQuit when the user asks to leave.
func (s *session) run(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "":
		return nil
	case "set":
		key, raw, ok := strings.Cut(rest, " ")
		if !ok || key == "" {
			return errors.New("usage: set <key> <value>")
		}
		return s.data().Set(key, parseValue(strings.TrimSpace(raw)))
	case "get":
		if rest == "" {
			return errors.New("usage: get <key>")
		}
		v, ok := s.data().Get(rest)
		if !ok {
			fmt.Fprintln(s.out, color.YellowString("(not set)"))
			return nil
		}
		return s.printJSON(v)
	case "del":
		if rest == "" {
			return errors.New("usage: del <key>")
		}
		s.data().Delete(rest)
		return nil
	case "show":
		return s.printJSON(s.data().ToJSON())
	case "append":
		t := s.text()
		return t.Insert(t.Len(), rest, nil)
	case "text":
		fmt.Fprintln(s.out, s.text().String())
		return nil
	case "action":
		typ, data, _ := strings.Cut(rest, " ")
		if typ == "" {
			return errors.New("usage: action <type> [json]")
		}
		action := protocol.Action{Type: typ}
		if data = strings.TrimSpace(data); data != "" {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("action data is not valid JSON: %s", data)
			}
			action.Data = json.RawMessage(data)
		}
		return s.doc.SendAction(ctx, action)
	case "status":
		s.printStatus()
		return nil
	case "help":
		fmt.Fprintln(s.out, helpText)
		return nil
	case "quit", "exit", "!q":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

// parseValue reads raw as JSON, falling back to the literal string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func (s *session) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, color.CyanString(string(b)))
	return nil
}

func (s *session) printStatus() {
	var (
		mu       sync.Mutex
		statuses []docsync.StatusUpdate
	)
	unsubscribe := s.doc.StatusUpdates().Subscribe(func(u docsync.StatusUpdate) {
		mu.Lock()
		statuses = append(statuses, u)
		mu.Unlock()
	})
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	for _, u := range statuses {
		fmt.Fprintf(s.out, "%-15s %s\n", u.Type, describeStatus(u))
	}
	v := s.doc.CurrentVersion()
	fmt.Fprintf(s.out, "%-15s %s (%d sites)\n", "site", v.CurrentSite, len(v.Vector))
}

func describeStatus(u docsync.StatusUpdate) string {
	var ok bool
	switch u.Type {
	case docsync.StatusConnection:
		ok = u.Connected
	case docsync.StatusAuthentication:
		ok = u.Authenticated
	case docsync.StatusAuthorization:
		ok = u.Authorized
	case docsync.StatusSync:
		ok = u.Synced
	}
	if ok {
		return color.GreenString("yes")
	}
	if u.Error != nil {
		return color.RedString("no (%s)", u.Error.Code)
	}
	return color.YellowString("no")
}
