package frontend

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

func page(title, body string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<meta name="viewport" content="width=device-width, initial-scale=1"/>
<title>`+title+`</title>
<link rel="stylesheet" href="/static/styles.css"/>
</head>
<body>
<main>`+body+`</main>
<script src="/static/app.js" defer></script>
</body>
</html>`)
		return err
	})
}

// LoginPage is the sign-in / register form. The page script posts to the
// workspace API and stores the access token client-side.
func LoginPage() templ.Component {
	return page("StudyDeck — Sign in", `
<section class="panel">
<h1>StudyDeck</h1>
<p class="muted">Sign in or create an account to open your workspaces.</p>
<form id="login-form">
<label>Username <input name="username" autocomplete="username"/></label>
<label>Password <input name="password" type="password" autocomplete="current-password"/></label>
<button type="submit" data-mode="login">Sign in</button>
<button type="submit" data-mode="register">Register</button>
</form>
<p id="login-status" class="muted"></p>
</section>`)
}

// WorkspacePage lists the caller's workspaces and tails the live event feed
// of the selected one over SSE.
func WorkspacePage() templ.Component {
	return page("StudyDeck — Workspaces", `
<section class="panel">
<h1>Workspaces</h1>
<ul id="workspace-list"></ul>
</section>
<section class="panel">
<h2>Live events</h2>
<p class="muted" id="stream-status">Select a workspace to connect.</p>
<div id="event-feed"></div>
</section>`)
}
