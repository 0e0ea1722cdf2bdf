package adb

import "strings"

// ShellDoubleQuote wraps s for use inside `sh -c "..."`, escaping the
// characters the Android mksh expands inside double quotes.
func ShellDoubleQuote(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		`$`, `\$`,
		"`", "\\`",
	)
	return `"` + r.Replace(s) + `"`
}

// ShellSingleQuote wraps s in single quotes for the device shell.
func ShellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
