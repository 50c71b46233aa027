package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"kernelbridge/internal/archive"
	"kernelbridge/internal/wire"
)

// streamPrinter forwards relayed backend output to the terminal, keeping
// the stdout/stderr split the backend declared.
type streamPrinter struct{}

func (streamPrinter) PublishOutput(m *wire.Message) {
	if m.Header.MsgType != wire.MsgStream {
		return
	}
	var content struct {
		Name string `json:"name"`
		Text string `json:"text"`
	}
	if err := m.DecodeContent(&content); err != nil {
		return
	}
	if content.Name == "stderr" {
		fmt.Fprint(os.Stderr, content.Text)
		return
	}
	fmt.Print(content.Text)
}

func (streamPrinter) PublishReply(*wire.Message) {}

// transferProgress renders a carriage-return progress line, but only on an
// interactive terminal; piped output stays clean.
func transferProgress(verb string) archive.ProgressFunc {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return func(sent, total int64) {
		if total > 0 {
			fmt.Fprintf(os.Stderr, "\r%s %d/%d bytes (%d%%)", verb, sent, total, sent*100/total)
		} else {
			fmt.Fprintf(os.Stderr, "\r%s %d bytes", verb, sent)
		}
		if sent >= total && total > 0 {
			fmt.Fprintln(os.Stderr)
		}
	}
}
