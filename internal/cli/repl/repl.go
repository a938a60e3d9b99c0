// Package repl implements the interactive shell for running code
// through the exec service and following its live output stream.
package repl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"

	"codedock/internal/cli/client"
	"codedock/internal/exec/model"
)

const defaultPrompt = "codedock> "

var extLanguages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".java": "java",
	".cpp":  "cpp",
	".cc":   "cpp",
	".cxx":  "cpp",
}

// Session holds REPL state.
type Session struct {
	client *client.Client
	pretty bool

	rl       *readline.Instance
	lines    chan string
	readErrs chan error
}

func New(c *client.Client, prettyJSON bool) (*Session, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          defaultPrompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("init readline failed: %w", err)
	}
	return &Session{
		client:   c,
		pretty:   prettyJSON,
		rl:       rl,
		lines:    make(chan string),
		readErrs: make(chan error),
	}, nil
}

// Run reads lines until EOF. A single goroutine owns the terminal; the
// main loop consumes its lines so an active run can take over the input
// stream and forward typed lines to the running process.
func (s *Session) Run(ctx context.Context) {
	defer func() { _ = s.rl.Close() }()

	go func() {
		for {
			line, err := s.rl.Readline()
			if err != nil {
				s.readErrs <- err
				if errors.Is(err, io.EOF) {
					return
				}
				continue
			}
			s.lines <- line
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.readErrs:
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			s.printLine("bye")
			return
		case line := <-s.lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "exit" || line == "quit" {
				s.printLine("bye")
				return
			}
			if err := s.dispatch(ctx, line); err != nil {
				s.printLine("error: %v", err)
			}
		}
	}
}

func (s *Session) dispatch(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	switch args[0] {
	case "help":
		s.printHelp()
		return nil
	case "run":
		return s.handleRun(ctx, args[1:])
	case "languages":
		return s.handleLanguages(ctx)
	case "status":
		if len(args) != 2 {
			return errors.New("usage: status <session-id>")
		}
		return s.handleStatus(ctx, args[1])
	case "stop":
		if len(args) != 2 {
			return errors.New("usage: stop <session-id>")
		}
		return s.handleStop(ctx, args[1])
	case "set":
		if len(args) != 3 {
			return errors.New("usage: set base|timeout <value>")
		}
		return s.handleSet(args[1], args[2])
	case "show":
		s.printLine("base    %s", s.client.BaseURL())
		return nil
	default:
		return fmt.Errorf("unknown command %q (try help)", args[0])
	}
}

// startRequest mirrors the service's session creation payload.
type startRequest struct {
	SessionID    string            `json:"session_id,omitempty"`
	Language     string            `json:"language"`
	Files        []workspaceFile   `json:"files"`
	MainFile     string            `json:"main_file,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

type workspaceFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
	Language  string `json:"language"`
	State     string `json:"state"`
}

func (s *Session) handleRun(ctx context.Context, args []string) error {
	var (
		paths    []string
		language string
		mainFile string
		deps     = map[string]string{}
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-l", "--lang":
			i++
			if i >= len(args) {
				return errors.New("missing value for -l")
			}
			language = args[i]
		case "-m", "--main":
			i++
			if i >= len(args) {
				return errors.New("missing value for -m")
			}
			mainFile = args[i]
		case "-d", "--dep":
			i++
			if i >= len(args) {
				return errors.New("missing value for -d")
			}
			name, version, _ := strings.Cut(args[i], "=")
			deps[name] = version
		default:
			paths = append(paths, args[i])
		}
	}
	if len(paths) == 0 {
		return errors.New("usage: run <file> [file ...] [-l language] [-d name=version] [-m main-file]")
	}

	files := make([]workspaceFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s failed: %w", p, err)
		}
		files = append(files, workspaceFile{Path: filepath.Base(p), Content: string(data)})
	}
	if language == "" {
		language = extLanguages[strings.ToLower(filepath.Ext(paths[0]))]
		if language == "" {
			return fmt.Errorf("cannot infer language from %s, pass -l", paths[0])
		}
	}
	if mainFile == "" && len(files) == 1 {
		mainFile = files[0].Path
	}

	body, err := json.Marshal(startRequest{
		Language:     language,
		Files:        files,
		MainFile:     mainFile,
		Dependencies: deps,
	})
	if err != nil {
		return fmt.Errorf("encode request failed: %w", err)
	}
	env, err := s.client.DoJSON(ctx, "POST", "/sessions", body)
	if err != nil {
		return err
	}
	var started startResponse
	if err := json.Unmarshal(env.Data, &started); err != nil {
		return fmt.Errorf("decode session failed: %w", err)
	}
	s.printLine("session %s (%s)", started.SessionID, started.Language)
	return s.follow(ctx, started.SessionID)
}

// follow streams the session's events to the terminal. Typed lines are
// forwarded to the process as stdin; Ctrl-C stops the session.
func (s *Session) follow(ctx context.Context, sessionID string) error {
	conn, err := s.client.Stream(ctx, sessionID)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	s.rl.SetPrompt("")
	defer s.rl.SetPrompt(defaultPrompt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev model.OutputEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			switch ev.Type {
			case model.EventStdout:
				fmt.Fprint(s.rl.Stdout(), ev.Data)
			case model.EventStderr:
				fmt.Fprint(s.rl.Stderr(), ev.Data)
			case model.EventEnd:
				s.printLine("-- %s", ev.Data)
				return
			case model.EventError:
				s.printLine("-- error: %s", ev.Data)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.readErrs:
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				if stopErr := s.handleStop(context.WithoutCancel(ctx), sessionID); stopErr != nil {
					s.printLine("stop failed: %v", stopErr)
				}
				<-done
				return nil
			}
		case line := <-s.lines:
			msg := struct {
				Type string `json:"type"`
				Data string `json:"data"`
			}{Type: "input", Data: line}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.printLine("send input failed: %v", err)
				<-done
				return nil
			}
		}
	}
}

func (s *Session) handleLanguages(ctx context.Context) error {
	env, err := s.client.DoJSON(ctx, "GET", "/languages", nil)
	if err != nil {
		return err
	}
	s.printJSON(env.Data)
	return nil
}

func (s *Session) handleStatus(ctx context.Context, id string) error {
	env, err := s.client.DoJSON(ctx, "GET", "/sessions/"+id, nil)
	if err != nil {
		return err
	}
	s.printJSON(env.Data)
	return nil
}

func (s *Session) handleStop(ctx context.Context, id string) error {
	env, err := s.client.DoJSON(ctx, "DELETE", "/sessions/"+id, nil)
	if err != nil {
		return err
	}
	s.printLine("%s", env.Message)
	return nil
}

func (s *Session) handleSet(key, value string) error {
	switch key {
	case "base":
		s.client.SetBaseURL(value)
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse timeout failed: %w", err)
		}
		s.client.SetTimeout(d)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

func (s *Session) printJSON(data []byte) {
	if len(data) == 0 {
		return
	}
	if s.pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err == nil {
			s.printLine("%s", buf.String())
			return
		}
	}
	s.printLine("%s", string(data))
}

func (s *Session) printLine(format string, args ...any) {
	fmt.Fprintf(s.rl.Stdout(), format+"\n", args...)
}

func (s *Session) printHelp() {
	s.printLine("commands:")
	s.printLine("  run <file> [file ...] [-l language] [-d name=version] [-m main-file]")
	s.printLine("      run code and stream its output; typed lines go to stdin, Ctrl-C stops")
	s.printLine("  languages            list supported languages")
	s.printLine("  status <session-id>  show session state")
	s.printLine("  stop <session-id>    stop a running session")
	s.printLine("  set base|timeout <value>")
	s.printLine("  show                 print current settings")
	s.printLine("  exit")
}
