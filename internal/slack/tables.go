package slack

import "slackpush/internal/buildbot"

const DefaultEmoji = ":grey_question:"

var statusEmojis = map[buildbot.Result]string{
	buildbot.Success:   ":sunglasses:",
	buildbot.Warnings:  ":meow_wow:",
	buildbot.Failure:   ":skull:",
	buildbot.Skipped:   ":slam:",
	buildbot.Exception: ":skull:",
	buildbot.Retry:     ":facepalm:",
	buildbot.Cancelled: ":slam:",
}

var statusColors = map[buildbot.Result]string{
	buildbot.Success:   "#36a64f",
	buildbot.Warnings:  "#fc8c03",
	buildbot.Failure:   "#fc0303",
	buildbot.Skipped:   "#fc8c03",
	buildbot.Exception: "#fc0303",
	buildbot.Retry:     "#fc8c03",
	buildbot.Cancelled: "#fc8c03",
}

// EmojiFor returns the status emoji; nil (still running) and unknown codes get DefaultEmoji.
func EmojiFor(r *buildbot.Result) string {
	if r == nil {
		return DefaultEmoji
	}
	if e, ok := statusEmojis[*r]; ok {
		return e
	}
	return DefaultEmoji
}

// ColorFor returns the attachment color, or "" when the result has none.
func ColorFor(r *buildbot.Result) string {
	if r == nil {
		return ""
	}
	return statusColors[*r]
}
