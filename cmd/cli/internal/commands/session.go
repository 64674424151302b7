package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/assessd/internal/client"
)

type SessionCmd struct {
	Create        SessionCreateCmd        `cmd:"" help:"Create a session"`
	Get           SessionGetCmd           `cmd:"" help:"Show a session"`
	Start         SessionStartCmd         `cmd:"" help:"Start a session"`
	Pause         SessionPauseCmd         `cmd:"" help:"Pause the running section"`
	Resume        SessionResumeCmd        `cmd:"" help:"Resume a paused session"`
	StartSection  SessionStartSectionCmd  `cmd:"" name:"start-section" help:"Start a section"`
	Complete      SessionCompleteCmd      `cmd:"" help:"Complete a section"`
	TimeRemaining SessionTimeRemainingCmd `cmd:"" name:"time-remaining" help:"Show time remaining"`
	Terminate     SessionTerminateCmd     `cmd:"" help:"Terminate a session (admin)"`
}

type SessionCreateCmd struct {
	Type          string   `arg:"" help:"Assessment type, e.g. academic_writing"`
	EntitlementID string   `help:"Entitlement to charge"`
	API           APIFlags `embed:""`
}

func (c *SessionCreateCmd) Run(ctx context.Context) error {
	return withSession(c.API, func(cl *client.Client) (*client.Session, error) {
		return cl.CreateSession(ctx, c.Type, c.EntitlementID)
	})
}

type SessionGetCmd struct {
	ID  string   `arg:"" help:"Session id"`
	API APIFlags `embed:""`
}

func (c *SessionGetCmd) Run(ctx context.Context) error {
	return withSession(c.API, func(cl *client.Client) (*client.Session, error) {
		return cl.GetSession(ctx, c.ID)
	})
}

type SessionStartCmd struct {
	ID  string   `arg:"" help:"Session id"`
	API APIFlags `embed:""`
}

func (c *SessionStartCmd) Run(ctx context.Context) error {
	return withSession(c.API, func(cl *client.Client) (*client.Session, error) {
		return cl.StartSession(ctx, c.ID)
	})
}

type SessionPauseCmd struct {
	ID  string   `arg:"" help:"Session id"`
	API APIFlags `embed:""`
}

func (c *SessionPauseCmd) Run(ctx context.Context) error {
	return withSession(c.API, func(cl *client.Client) (*client.Session, error) {
		return cl.PauseSession(ctx, c.ID)
	})
}

type SessionResumeCmd struct {
	ID  string   `arg:"" help:"Session id"`
	API APIFlags `embed:""`
}

func (c *SessionResumeCmd) Run(ctx context.Context) error {
	return withSession(c.API, func(cl *client.Client) (*client.Session, error) {
		return cl.ResumeSession(ctx, c.ID)
	})
}

type SessionStartSectionCmd struct {
	ID      string   `arg:"" help:"Session id"`
	Section string   `arg:"" help:"Section id"`
	API     APIFlags `embed:""`
}

func (c *SessionStartSectionCmd) Run(ctx context.Context) error {
	return withSession(c.API, func(cl *client.Client) (*client.Session, error) {
		return cl.StartSection(ctx, c.ID, c.Section)
	})
}

type SessionCompleteCmd struct {
	ID      string   `arg:"" help:"Session id"`
	Section string   `arg:"" help:"Section id"`
	API     APIFlags `embed:""`
}

func (c *SessionCompleteCmd) Run(ctx context.Context) error {
	return withSession(c.API, func(cl *client.Client) (*client.Session, error) {
		return cl.CompleteSection(ctx, c.ID, c.Section)
	})
}

type SessionTerminateCmd struct {
	ID     string   `arg:"" help:"Session id"`
	Owner  string   `help:"User id owning the session" required:""`
	Reason string   `help:"Reason recorded with the termination"`
	API    APIFlags `embed:""`
}

func (c *SessionTerminateCmd) Run(ctx context.Context) error {
	return withSession(c.API, func(cl *client.Client) (*client.Session, error) {
		return cl.Terminate(ctx, c.ID, c.Owner, c.Reason)
	})
}

type SessionTimeRemainingCmd struct {
	ID      string        `arg:"" help:"Session id"`
	Section string        `help:"Section id (defaults to the current section)"`
	Watch   time.Duration `help:"Poll on this interval until the session ends (0 prints once)" default:"0s"`
	API     APIFlags      `embed:""`
}

func (c *SessionTimeRemainingCmd) Run(ctx context.Context) error {
	cl, err := c.API.client()
	if err != nil {
		return err
	}

	for {
		tr, err := cl.TimeRemaining(ctx, c.ID, c.Section)
		if err != nil {
			return err
		}

		section := tr.SectionID
		if section == "" {
			section = "-"
		}
		fmt.Printf("%s  session=%s section=%s remaining=%s\n",
			time.Now().Format(time.TimeOnly), tr.SessionStatus, section, seconds(tr.RemainingSeconds))

		if c.Watch <= 0 || isTerminal(tr.SessionStatus) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.Watch):
		}
	}
}

func isTerminal(status string) bool {
	switch status {
	case "COMPLETED", "EXPIRED", "TERMINATED":
		return true
	}
	return false
}

func withSession(api APIFlags, op func(*client.Client) (*client.Session, error)) error {
	cl, err := api.client()
	if err != nil {
		return err
	}
	s, err := op(cl)
	if err != nil {
		return err
	}
	printSession(s)
	return nil
}
