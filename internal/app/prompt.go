package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pvdmeer/babbel/internal/session"
	"github.com/pvdmeer/babbel/internal/wire"
)

// PromptCredentials asks for a username and password on stdin.
func PromptCredentials() (string, string) {
	in := bufio.NewReader(os.Stdin)

	fmt.Println("────────────────────────────────────────")
	fmt.Println("Babbel login")
	fmt.Println("────────────────────────────────────────")

	username := askString(in, "Username", "")
	password := askString(in, "Password", "")
	return username, password
}

// RunPrompt drives the line-based command loop. Plain lines go to the active
// conversation; lines starting with / are commands. Returns when the user
// quits, stdin closes, or ctx is done.
func RunPrompt(ctx context.Context, f *session.Facade) error {
	var outMu sync.Mutex
	printf := func(format string, args ...any) {
		outMu.Lock()
		fmt.Printf(format, args...)
		outMu.Unlock()
	}

	// Session notices (incoming calls, typing, call outcomes).
	notices, cancelNotices := f.Notices()
	defer cancelNotices()
	go func() {
		for n := range notices {
			printf("* %s\n", n.Text)
		}
	}()

	// Conversation changes: print what the log gained since the last signal.
	changes, cancelChanges := f.Conversations.Subscribe()
	defer cancelChanges()
	shown := 0
	var shownMu sync.Mutex
	printLog := func() {
		msgs := f.Conversations.Log()
		shownMu.Lock()
		start := shown
		if len(msgs) < shown {
			start = 0
		}
		for _, m := range msgs[start:] {
			printf("<%s> %s\n", m.From, m.Text)
		}
		shown = len(msgs)
		shownMu.Unlock()
	}
	go func() {
		for range changes {
			printLog()
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			f.Keystroke()
			if err := f.SendMessage(line); err != nil {
				printf("! %v\n", err)
			}
			continue
		}

		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "/help":
			printHelp(printf)

		case "/users":
			for _, u := range f.Directory.List() {
				printf("  %s\n", u)
			}

		case "/groups":
			for _, g := range f.Groups.List() {
				printf("  %s  %s  (%s)\n", g.ID, g.Name, strings.Join(g.Members, ", "))
			}

		case "/open":
			if len(args) != 1 {
				printf("usage: /open <username>\n")
				continue
			}
			if !f.Directory.Contains(args[0]) {
				printf("! unknown user %q\n", args[0])
				continue
			}
			shownMu.Lock()
			shown = 0
			shownMu.Unlock()
			f.OpenConversation(ctx, wire.ConversationKey{Kind: wire.TargetPrivate, ID: args[0]})
			printf("── conversation with %s ──\n", args[0])

		case "/join":
			if len(args) != 1 {
				printf("usage: /join <gid>\n")
				continue
			}
			g, ok := f.Groups.Get(args[0])
			if !ok {
				printf("! unknown group %q\n", args[0])
				continue
			}
			shownMu.Lock()
			shown = 0
			shownMu.Unlock()
			f.OpenConversation(ctx, wire.ConversationKey{Kind: wire.TargetGroup, ID: g.ID})
			printf("── group %s ──\n", g.Name)

		case "/newgroup":
			if len(args) == 0 {
				printf("usage: /newgroup <name>\n")
				continue
			}
			if err := f.CreateGroup(strings.Join(args, " ")); err != nil {
				printf("! %v\n", err)
			}

		case "/invite":
			if len(args) != 2 {
				printf("usage: /invite <gid> <username>\n")
				continue
			}
			if err := f.AddMember(args[0], args[1]); err != nil {
				printf("! %v\n", err)
			}

		case "/call":
			if len(args) != 1 {
				printf("usage: /call <username>\n")
				continue
			}
			if err := f.StartCall(ctx, args[0]); err != nil {
				printf("! %v\n", err)
			} else {
				printf("calling %s…\n", args[0])
			}

		case "/accept":
			if err := f.AcceptCall(ctx); err != nil {
				printf("! %v\n", err)
			}

		case "/reject":
			if err := f.RejectCall(); err != nil {
				printf("! %v\n", err)
			}

		case "/hangup":
			if err := f.Hangup(); err != nil {
				printf("! %v\n", err)
			}

		case "/quit":
			return nil

		default:
			printf("unknown command %s (try /help)\n", cmd)
		}
	}
}

func printHelp(printf func(string, ...any)) {
	printf("  /users                 list online users\n")
	printf("  /groups                list your groups\n")
	printf("  /open <username>       open a private conversation\n")
	printf("  /join <gid>            open a group conversation\n")
	printf("  /newgroup <name>       create a group\n")
	printf("  /invite <gid> <user>   add a member to a group\n")
	printf("  /call <username>       start a voice call\n")
	printf("  /accept /reject        answer or decline an incoming call\n")
	printf("  /hangup                end the current call\n")
	printf("  /quit                  exit\n")
	printf("  anything else is sent to the open conversation\n")
}

func askString(in *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}
