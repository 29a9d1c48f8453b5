package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/matheus3301/inline/internal/session"
	"github.com/matheus3301/inline/internal/store"
	"github.com/spf13/cobra"
)

// openStore opens the session store for reading. It never creates or
// migrates the database; the daemon owns the schema.
func openStore(opts *RootOptions, f *OutputFormatter) (*store.DB, error) {
	name, err := opts.SessionName()
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid session", err)
	}
	path := session.AppDBPath(name)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, f.Fail(ExitCommandError, ErrCodeNoStore,
			fmt.Sprintf("no store for session %q; start inlined first", name), nil)
	}
	f.VerboseLog("Opening %s", path)
	db, err := store.Open(path)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeNoStore, "cannot open store", err)
	}
	version, dirty, err := db.SchemaVersion()
	if err != nil || version == 0 || dirty {
		_ = db.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeNoStore, "store schema is missing or dirty", err)
	}
	return db, nil
}

// ChatView is the output shape of one chat.
type ChatView struct {
	ID          int64  `json:"id"`
	Title       string `json:"title,omitempty"`
	SpaceID     *int64 `json:"space_id,omitempty"`
	Emoji       string `json:"emoji,omitempty"`
	UnreadCount int    `json:"unread_count"`
	LastMessage string `json:"last_message,omitempty"`
}

func chatView(c store.Chat) ChatView {
	v := ChatView{ID: c.ID, Title: c.Title, SpaceID: c.SpaceID, Emoji: c.Emoji, UnreadCount: c.UnreadCount}
	if c.LastMsg != nil {
		v.LastMessage = c.LastMsg.String()
	}
	return v
}

// NewChatsCommand creates the chats command.
func NewChatsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List chats with unread counts and last message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			db, err := openStore(rootOpts, f)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			chats, err := db.ListChats(limit, offset)
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeGeneric, "list chats", err)
			}
			views := make([]ChatView, 0, len(chats))
			for _, c := range chats {
				views = append(views, chatView(c))
			}
			return f.Success(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No chats.")
					return
				}
				for _, v := range views {
					last := v.LastMessage
					if last == "" {
						last = "-"
					}
					fmt.Fprintf(w, "%-12d %-30s unread=%-5d last=%s\n", v.ID, v.Title, v.UnreadCount, last)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of chats")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of chats to skip")
	return cmd
}

// MessageView is the output shape of one message.
type MessageView struct {
	LocalID   int64      `json:"local_id"`
	ID        string     `json:"id"`
	ChatID    int64      `json:"chat_id"`
	FromID    int64      `json:"from_id"`
	Out       bool       `json:"out"`
	Status    string     `json:"status"`
	Text      string     `json:"text"`
	Date      time.Time  `json:"date,omitzero"`
	EditDate  time.Time  `json:"edit_date,omitzero"`
	Reactions []Reaction `json:"reactions,omitempty"`
}

// Reaction is the output shape of one reaction.
type Reaction struct {
	UserID int64  `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// NewMessagesCommand creates the messages command.
func NewMessagesCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	var before int64
	var reactions bool

	cmd := &cobra.Command{
		Use:   "messages <chat-id>",
		Short: "List a chat's messages, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			chatID, err := parseChatID(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid chat id", err)
			}
			db, err := openStore(rootOpts, f)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			msgs, err := db.ListMessages(chatID, before, limit)
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeGeneric, "list messages", err)
			}
			views := make([]MessageView, 0, len(msgs))
			for _, m := range msgs {
				v := MessageView{
					LocalID:  m.LocalID,
					ID:       m.Identity.String(),
					ChatID:   m.ChatID,
					FromID:   m.FromID,
					Out:      m.Out,
					Status:   string(m.Status),
					Text:     m.Text,
					Date:     m.Date,
					EditDate: m.EditDate,
				}
				if id, ok := m.Identity.MessageID(); ok && reactions {
					rs, err := db.ListReactions(id)
					if err != nil {
						return f.Fail(ExitFailure, ErrCodeGeneric, "list reactions", err)
					}
					for _, r := range rs {
						v.Reactions = append(v.Reactions, Reaction{UserID: r.UserID, Emoji: r.Emoji})
					}
				}
				views = append(views, v)
			}
			return f.Success(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No messages.")
					return
				}
				for _, v := range views {
					dir := "<"
					if v.Out {
						dir = ">"
					}
					fmt.Fprintf(w, "#%-6d %-18s %s %-8s %s", v.LocalID, v.ID, dir, v.Status, v.Text)
					for _, r := range v.Reactions {
						fmt.Fprintf(w, " [%s %d]", r.Emoji, r.UserID)
					}
					fmt.Fprintln(w)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of messages")
	cmd.Flags().Int64Var(&before, "before", 0, "only messages with a lower local id (0 = newest)")
	cmd.Flags().BoolVar(&reactions, "reactions", false, "include reactions")
	return cmd
}
