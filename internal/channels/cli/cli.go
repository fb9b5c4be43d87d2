// Package cli implements the interactive terminal channel. Unlike the
// network adapters it is never registered with the channel manager: the
// REPL consumes the outbound queue itself, so chat mode runs without a
// competing dispatcher.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
	"github.com/nextlevelbuilder/kestrel/internal/channels"
)

const (
	channelName = "cli"
	localChatID = "local"
	localSender = "local"

	dimOn  = "\x1b[2m"
	dimOff = "\x1b[0m"
)

// Channel is the terminal REPL. Input lines become inbound messages; the
// reply loop drains outbound frames until the turn's final frame lands.
type Channel struct {
	*channels.BaseChannel
	in  io.Reader
	out io.Writer
}

// New creates a CLI channel on stdin/stdout.
func New(msgBus *bus.MessageBus) *Channel {
	return NewWithIO(msgBus, os.Stdin, os.Stdout)
}

// NewWithIO creates a CLI channel with explicit streams.
func NewWithIO(msgBus *bus.MessageBus, in io.Reader, out io.Writer) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel(channelName, msgBus, nil),
		in:          in,
		out:         out,
	}
}

// Start marks the channel running. The REPL itself runs in the foreground
// via Run.
func (c *Channel) Start(ctx context.Context) error {
	c.SetRunning(true)
	return nil
}

// Stop marks the channel stopped.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return nil
}

// Send prints a message to the terminal.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.render(msg)
	return nil
}

// OneShot publishes a single message and drains its reply, for
// non-interactive invocations.
func (c *Channel) OneShot(ctx context.Context, content string) error {
	c.SetRunning(true)
	defer c.SetRunning(false)
	c.HandleMessage(localSender, localChatID, content, nil, nil)
	return c.awaitReply(ctx)
}

// Run drives the REPL until the input closes, the user types exit/quit,
// or ctx is cancelled.
func (c *Channel) Run(ctx context.Context) error {
	c.SetRunning(true)
	defer c.SetRunning(false)

	fmt.Fprintln(c.out, "Type a message and press Enter. \"exit\" quits, /help lists commands.")
	fmt.Fprintln(c.out)

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}

		c.HandleMessage(localSender, localChatID, input, nil, nil)
		if err := c.awaitReply(ctx); err != nil {
			return err
		}
	}
}

// awaitReply drains outbound frames until the final frame for this chat
// arrives. Progress frames render dimmed; frames addressed to another
// channel print with their route since no other adapter is running.
func (c *Channel) awaitReply(ctx context.Context) error {
	for {
		msg, ok := c.Bus().ConsumeOutbound(ctx)
		if !ok {
			return nil
		}
		if msg.Channel != channelName || msg.ChatID != localChatID {
			fmt.Fprintf(c.out, "%s(to %s:%s)%s %s\n", dimOn, msg.Channel, msg.ChatID, dimOff, msg.Content)
			continue
		}
		if msg.IsProgress() {
			c.render(msg)
			continue
		}
		c.render(msg)
		return nil
	}
}

// render prints one frame. The final frame of a turn may have empty
// content when the reply was already delivered elsewhere; it only
// unblocks the prompt.
func (c *Channel) render(msg bus.OutboundMessage) {
	if msg.Content == "" && len(msg.Media) == 0 {
		return
	}
	if msg.IsProgress() {
		fmt.Fprintf(c.out, "%s%s%s\n", dimOn, msg.Content, dimOff)
		return
	}
	fmt.Fprintf(c.out, "\n%s\n\n", msg.Content)
	for _, m := range msg.Media {
		fmt.Fprintf(c.out, "%s[media] %s%s\n", dimOn, m.URL, dimOff)
	}
}
