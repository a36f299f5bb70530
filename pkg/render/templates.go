package render

// variants maps the configured template variant to its HTML source. The
// stylesheets target print output; the Engine decides page geometry.
var variants = map[string]string{
	VariantDefault: defaultTemplate,
	VariantMinimal: minimalTemplate,
}

const defaultTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Ticket {{.Ticket.Number}}</title>
<style>
  body { font-family: sans-serif; font-size: 10pt; color: #1a1a1a; }
  h1 { font-size: 14pt; border-bottom: 1px solid #888; padding-bottom: 4px; }
  table.meta { border-collapse: collapse; margin-bottom: 12px; }
  table.meta td { padding: 2px 8px 2px 0; vertical-align: top; }
  table.meta td.k { color: #555; white-space: nowrap; }
  .article { border: 1px solid #ccc; margin: 10px 0; padding: 8px; page-break-inside: avoid; }
  .article.internal { background: #f6f3e8; }
  .article-head { font-size: 8pt; color: #555; margin-bottom: 6px; }
  .attachments { font-size: 8pt; color: #555; margin-top: 6px; }
  .warning { color: #a33; font-style: italic; }
  blockquote { border-left: 2px solid #bbb; margin-left: 4px; padding-left: 8px; color: #444; }
  pre { white-space: pre-wrap; }
</style>
</head>
<body>
<h1>Ticket {{.Ticket.Number}}{{with .Ticket.Title}} — {{.}}{{end}}</h1>
<table class="meta">
<tr><td class="k">Created</td><td>{{stamp .Ticket.CreatedAt}}</td></tr>
<tr><td class="k">Updated</td><td>{{stamp .Ticket.UpdatedAt}}</td></tr>
{{with .Ticket.Customer}}<tr><td class="k">Customer</td><td>{{if .Name}}{{.Name}}{{else}}{{.Login}}{{end}}{{with .Email}} &lt;{{.}}&gt;{{end}}</td></tr>{{end}}
{{with .Ticket.Owner}}<tr><td class="k">Owner</td><td>{{.Login}}</td></tr>{{end}}
{{with .Ticket.Tags}}<tr><td class="k">Tags</td><td>{{range $i, $t := .}}{{if $i}}, {{end}}{{$t}}{{end}}</td></tr>{{end}}
</table>
{{with .CappedWarning}}<p class="warning">{{.}}</p>{{end}}
{{range .Articles}}
<div class="article{{if .Internal}} internal{{end}}">
  <div class="article-head">
    #{{.ID}}{{with .Sender}} — {{.}}{{end}}{{with .CreatedAt}} — {{stampPtr .}}{{end}}{{if .Internal}} — internal{{end}}
    {{with .Subject}}<br>{{.}}{{end}}
  </div>
  {{if .BodyHTML}}{{safeHTML .BodyHTML}}{{else}}<pre>{{.BodyText}}</pre>{{end}}
  {{with .Attachments}}
  <div class="attachments">Attachments: {{range $i, $a := .}}{{if $i}}, {{end}}{{$a.Filename}} ({{$a.Size}} bytes){{end}}</div>
  {{end}}
</div>
{{end}}
</body>
</html>
`

const minimalTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Ticket {{.Ticket.Number}}</title>
<style>
  body { font-family: sans-serif; font-size: 10pt; }
  h1 { font-size: 12pt; }
  .article { margin: 8px 0; }
  hr { border: 0; border-top: 1px solid #ccc; }
  pre { white-space: pre-wrap; }
</style>
</head>
<body>
<h1>{{.Ticket.Number}}{{with .Ticket.Title}} — {{.}}{{end}}</h1>
{{with .CappedWarning}}<p><em>{{.}}</em></p>{{end}}
{{range .Articles}}
<div class="article">
  {{if .BodyHTML}}{{safeHTML .BodyHTML}}{{else}}<pre>{{.BodyText}}</pre>{{end}}
</div>
<hr>
{{end}}
</body>
</html>
`
