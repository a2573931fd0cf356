package slack

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"slackpush/internal/buildbot"
	logx "slackpush/pkg/logx"
)

// Options are the per-reporter settings that shape a message.
type Options struct {
	IncludeAttachments bool
	Channel            string
	Username           string
}

// ExtraParamsFunc contributes additional top-level payload keys for a build.
type ExtraParamsFunc func(b buildbot.Build) map[string]any

var markdownIn = []string{"text", "title", "fallback"}

// Formatter turns build reports into payloads.
//
// The zero value is usable: no users lookup, no extra params, no logging.
// It is safe for concurrent use as long as Users and Extra are.
type Formatter struct {
	Users buildbot.UsersFetcher
	Extra ExtraParamsFunc
	Log   logx.Logger
}

func (f *Formatter) Format(ctx context.Context, r buildbot.Report, opt Options) (Payload, error) {
	if len(r.Builds) == 0 {
		return Payload{}, fmt.Errorf("%w: report has no builds", ErrInvalidReport)
	}
	b := r.Builds[0]
	if b.Result == nil && r.Event != buildbot.EventStarted {
		return Payload{}, fmt.Errorf("%w: build %d has no result", ErrInvalidReport, b.ID)
	}

	emoji := EmojiFor(b.Result)
	p := Payload{
		Text:     emoji + " " + r.Body,
		Channel:  strings.TrimSpace(opt.Channel),
		Username: strings.TrimSpace(opt.Username),
	}

	if !opt.IncludeAttachments {
		p.Text += "\n here: " + b.URL
	} else {
		p.IconEmoji = emoji
		p.Attachments = f.attachments(ctx, b)
	}

	if f.Extra != nil {
		if extra := f.Extra(b); len(extra) > 0 {
			p.Extra = make(map[string]any, len(extra))
			for k, v := range extra {
				p.Extra[k] = v
			}
		}
	}
	return p, nil
}

func (f *Formatter) attachments(ctx context.Context, b buildbot.Build) []Attachment {
	var (
		out       []Attachment
		users     []string
		usersDone bool
	)
	status := buildbot.StatusString(b.Result)
	color := ColorFor(b.Result)

	for _, ss := range b.SourceStamps {
		if ss.Revision == "" {
			continue
		}

		title := "Build #" + strconv.FormatInt(b.ID, 10)
		if ss.Project != "" {
			title += " for " + ss.Project + " " + ss.Revision
		}

		fields := []Field{}
		if b.IsSubBuild() {
			title += " " + b.ParentRelationship + ": #" + strconv.FormatInt(*b.ParentBuildID, 10)
		} else {
			if ss.Branch != "" {
				fields = append(fields, Field{Title: "Branch", Value: ss.Branch, Short: true})
			}
			if ss.Repository != "" {
				fields = append(fields, Field{Title: "Repository", Value: ss.Repository, Short: true})
			}
			if !usersDone {
				users = f.responsibleUsers(ctx, b.ID)
				usersDone = true
			}
			if len(users) > 0 {
				fields = append(fields, Field{Title: "Committers", Value: strings.Join(users, ", "), Short: false})
			}
			fields = append(fields, Field{Title: "Builder", Value: b.BuilderName, Short: true})
		}

		out = append(out, Attachment{
			Title:     title,
			TitleLink: b.URL,
			Fallback:  title + ": " + b.URL,
			Text:      "Status: *" + status + "*",
			Color:     color,
			MrkdwnIn:  append([]string(nil), markdownIn...),
			Fields:    fields,
		})
	}
	return out
}

func (f *Formatter) responsibleUsers(ctx context.Context, buildID int64) []string {
	if f.Users == nil {
		return nil
	}
	users, err := f.Users.ResponsibleUsers(ctx, buildID)
	if err != nil {
		f.Log.Warn("responsible users lookup failed", logx.Int64("build_id", buildID), logx.Err(err))
		return nil
	}
	return users
}
