package cmds

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/rtchat/pkg/conversation"
	"github.com/go-go-golems/rtchat/pkg/persistence/chatstore"
)

func newSessionsCommand(a *app) (*cobra.Command, error) {
	group := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}

	listCmd, err := NewSessionsListCommand(a)
	if err != nil {
		return nil, err
	}
	showCmd, err := NewSessionsShowCommand(a)
	if err != nil {
		return nil, err
	}
	for _, c := range []cmds.GlazeCommand{listCmd, showCmd} {
		cobraCmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(sessionsMiddlewares))
		if err != nil {
			return nil, err
		}
		group.AddCommand(cobraCmd)
	}
	return group, nil
}

func sessionsMiddlewares(_ *values.Values, cmd *cobra.Command, args []string) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("RTCHAT",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

type SessionsListCommand struct {
	*cmds.CommandDescription
	app *app
}

type SessionsListSettings struct {
	Limit int `glazed:"limit"`
}

func NewSessionsListCommand(a *app) (*SessionsListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List recent sessions, newest first"),
		cmds.WithFlags(
			fields.New("limit", fields.TypeInteger, fields.WithDefault(50), fields.WithHelp("Maximum number of sessions")),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &SessionsListCommand{CommandDescription: desc, app: a}, nil
}

func (c *SessionsListCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &SessionsListSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := openStore(ctx, c.app.settings.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return emitSessions(ctx, store, s.Limit, gp)
}

var _ cmds.GlazeCommand = &SessionsListCommand{}

type SessionsShowCommand struct {
	*cmds.CommandDescription
	app *app
}

type SessionsShowSettings struct {
	SessionID string `glazed:"session-id"`
	NoEvents  bool   `glazed:"no-events"`
}

func NewSessionsShowCommand(a *app) (*SessionsShowCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"show",
		cmds.WithShort("Show a session record and its events"),
		cmds.WithLong("Emits one row for the session (kind=session) followed by one row per event (kind=event) with its token count."),
		cmds.WithFlags(
			fields.New("no-events", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Only emit the session row")),
		),
		cmds.WithArguments(
			fields.New("session-id", fields.TypeString, fields.WithHelp("Session id")),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &SessionsShowCommand{CommandDescription: desc, app: a}, nil
}

func (c *SessionsShowCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &SessionsShowSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := openStore(ctx, c.app.settings.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	counter, err := conversation.NewTokenCounter(c.app.settings.Backend.TokenEncoding)
	if err != nil {
		return err
	}
	return emitSession(ctx, store, counter, s.SessionID, !s.NoEvents, gp)
}

var _ cmds.GlazeCommand = &SessionsShowCommand{}

func emitSessions(ctx context.Context, store chatstore.SessionStore, limit int, gp middlewares.Processor) error {
	sessions, err := store.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := gp.AddRow(ctx, sessionRow(sess)); err != nil {
			return err
		}
	}
	return nil
}

func emitSession(ctx context.Context, store chatstore.Store, counter *conversation.TokenCounter, sessionID string, withEvents bool, gp middlewares.Processor) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	events, err := store.Events(ctx, sessionID)
	if err != nil {
		return err
	}
	tokens := make([]int, len(events))
	total := 0
	for i, ev := range events {
		tokens[i] = counter.CountText(ev.Content)
		total += tokens[i]
	}

	row := sessionRow(sess)
	row.Set("kind", "session")
	row.Set("events", len(events))
	row.Set("tokens", total)
	if err := gp.AddRow(ctx, row); err != nil {
		return err
	}
	if !withEvents {
		return nil
	}
	for i, ev := range events {
		row := types.NewRow(
			types.MRP("kind", "event"),
			types.MRP("session_id", ev.SessionID),
			types.MRP("seq", i+1),
			types.MRP("role", ev.Role.String()),
			types.MRP("timestamp", ev.Timestamp.UTC().Format(time.RFC3339Nano)),
			types.MRP("tokens", tokens[i]),
			types.MRP("content", ev.Content),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func sessionRow(sess chatstore.Session) types.Row {
	var endTime, summary interface{}
	if sess.EndTime != nil {
		endTime = sess.EndTime.UTC().Format(time.RFC3339Nano)
	}
	if sess.Summary != nil {
		summary = *sess.Summary
	}
	return types.NewRow(
		types.MRP("session_id", sess.ID),
		types.MRP("user_id", sess.UserID),
		types.MRP("start_time", sess.StartTime.UTC().Format(time.RFC3339Nano)),
		types.MRP("end_time", endTime),
		types.MRP("summary", summary),
	)
}
