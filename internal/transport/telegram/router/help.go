package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders HTML help: the command list, or one command's details.
func (r *Router) helpText(args []string) string {
	r.mu.RLock()
	byName := r.commands
	ordered := r.ordered
	r.mu.RUnlock()

	if len(args) > 0 {
		word := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := byName[word]
		if !ok {
			return "❓ <b>Unknown command</b>\nType <code>/help</code> for the list."
		}
		return commandHelp(c)
	}

	cmds := append([]*Command(nil), ordered...)
	sort.SliceStable(cmds, func(i, j int) bool {
		oi, oj := cmds[i].Access == AccessOwnerOnly, cmds[j].Access == AccessOwnerOnly
		if oi != oj {
			return !oi
		}
		return cmds[i].Name < cmds[j].Name
	})

	lines := []string{"📚 <b>Commands</b>", "Type <code>/help &lt;cmd&gt;</code> for details.", ""}
	for _, c := range cmds {
		prefix := "• "
		if c.Access == AccessOwnerOnly {
			prefix = "• 🔒 "
		}
		line := prefix + "<code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func commandHelp(c *Command) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(c.Name) + "</code>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>owner only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		as := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				as = append(as, "<code>/"+html.EscapeString(a)+"</code>")
			}
		}
		if len(as) > 0 {
			lines = append(lines, "", "<b>Aliases</b> "+strings.Join(as, ", "))
		}
	}
	return strings.Join(lines, "\n")
}
