package commands

import (
	"net/url"
	"regexp"
	"strings"
)

// Command names. Config keys differ for two of them, see ruleKey.
const (
	Watch      = "watch"
	Replay     = "replay"
	Repeat     = "repeat"
	StopRepeat = "stoprepeat"
	Stop       = "stop"
	Shoutout   = "shoutout"
	Clip       = "clip"
)

// Command is a recognized chat command and its argument (lowercased for usernames).
type Command struct {
	Name string
	Arg  string
}

// Matchers in priority order; the first hit wins.
var (
	watchRe      = regexp.MustCompile(`(?i)^!watch(\s|$)`)
	replayRe     = regexp.MustCompile(`(?i)^!replay$`)
	repeatRe     = regexp.MustCompile(`(?i)^!repeat\s+@?(\w+)`)
	stopRepeatRe = regexp.MustCompile(`(?i)^!stoprepeat$`)
	stopRe       = regexp.MustCompile(`(?i)^!stop$`)
	shoutoutRe   = regexp.MustCompile(`(?i)^!so\s+@?(\w+)`)
	clipRe       = regexp.MustCompile(`(?i)^!clip`)

	slugRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Parse returns the first command matching text, if any.
func Parse(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	switch {
	case watchRe.MatchString(text):
		arg := ""
		if f := strings.Fields(text); len(f) > 1 {
			arg = f[1]
		}
		return Command{Name: Watch, Arg: arg}, true
	case replayRe.MatchString(text):
		return Command{Name: Replay}, true
	case repeatRe.MatchString(text):
		return Command{Name: Repeat, Arg: strings.ToLower(repeatRe.FindStringSubmatch(text)[1])}, true
	case stopRepeatRe.MatchString(text):
		return Command{Name: StopRepeat}, true
	case stopRe.MatchString(text):
		return Command{Name: Stop}, true
	case shoutoutRe.MatchString(text):
		return Command{Name: Shoutout, Arg: strings.ToLower(shoutoutRe.FindStringSubmatch(text)[1])}, true
	case clipRe.MatchString(text):
		return Command{Name: Clip}, true
	}
	return Command{}, false
}

// ruleKey maps a command to the configuration entry that governs it.
func ruleKey(name string) string {
	switch name {
	case StopRepeat:
		return Repeat
	case Shoutout:
		return "so"
	default:
		return name
	}
}

// interrupts reports whether a command bumps the epoch when it is received,
// cancelling the effects of earlier in-flight jobs. watch bumps only once its
// clip resolves, see startWatch.
func interrupts(name string) bool {
	return name == Stop || name == Replay
}

// ExtractClipID accepts a bare clip slug, a clips.twitch.tv/<slug> link or a
// twitch.tv/<user>/clip/<slug> link. It returns "" for anything else.
func ExtractClipID(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		host := strings.ToLower(u.Hostname())
		var id string
		switch {
		case host == "clips.twitch.tv":
			id = firstSegment(u.Path)
		case (host == "twitch.tv" || strings.HasSuffix(host, ".twitch.tv")) && strings.Contains(u.Path, "/clip/"):
			id = firstSegment(u.Path[strings.Index(u.Path, "/clip/")+len("/clip/"):])
		}
		if slugRe.MatchString(id) {
			return id
		}
		return ""
	}
	if slugRe.MatchString(ref) {
		return ref
	}
	return ""
}

func firstSegment(p string) string {
	p = strings.Trim(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return p
}
