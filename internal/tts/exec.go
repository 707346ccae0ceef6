package tts

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execEngine drives an external speech program. The program receives one
// JSON request on stdin and answers with JSON lines on stdout:
//
//	{"type":"boundary","char_index":4}
//	{"type":"end"}
//	{"type":"error","message":"no audio device"}
type execEngine struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	UtteranceID string `json:"utterance_id"`
	Text        string `json:"text"`
	Voice       string `json:"voice,omitempty"`
	Lang        string `json:"lang,omitempty"`
}

type execResponse struct {
	Type      string `json:"type"`
	CharIndex int    `json:"char_index"`
	Message   string `json:"message"`
}

func NewExecEngine(command string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execEngine{cmd: args}, nil
}

func (e *execEngine) Speak(ctx context.Context, req SpeakRequest) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)

		// one program at a time; a superseded call is killed through ctx
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := ctx.Err(); err != nil {
			errs <- err
			return
		}

		data, err := json.Marshal(execRequest{
			UtteranceID: req.UtteranceID,
			Text:        req.Text,
			Voice:       req.Voice,
			Lang:        req.Lang,
		})
		if err != nil {
			errs <- err
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start tts command: %w", err)
			return
		}

		if _, err := stdin.Write(data); err != nil {
			errs <- err
			_ = cmd.Wait()
			return
		}
		_ = stdin.Close()

		ended := false
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- fmt.Errorf("decode tts event: %w", err)
				_ = cmd.Wait()
				return
			}
			var evt Event
			switch resp.Type {
			case "boundary":
				evt = Event{Kind: EventBoundary, CharIndex: resp.CharIndex}
			case "end":
				evt = Event{Kind: EventEnd}
			case "error":
				errs <- fmt.Errorf("tts engine: %s", resp.Message)
				_ = cmd.Wait()
				return
			default:
				continue
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				_ = cmd.Wait()
				return
			case events <- evt:
			}
			if evt.Kind == EventEnd {
				ended = true
				break
			}
		}
		// drain whatever the program still writes so it can exit
		for scanner.Scan() {
		}
		if err := cmd.Wait(); err != nil && !ended {
			errs <- err
			return
		}
		if scanErr := scanner.Err(); scanErr != nil && !ended {
			errs <- scanErr
			return
		}
		if !ended {
			errs <- ErrEngineClosed
		}
	}()
	return events, errs
}
