package api

const eventsDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Event Stream · Offset Tracker</title>
  <style>
    body {
      margin: 0 auto;
      max-width: 860px;
      padding: 24px;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
      font-size: 14px;
      line-height: 1.65;
      background: #0d1117;
      color: #c9d1d9;
    }
    a { color: #58a6ff; text-decoration: none; }
    h1, h2 { color: #e6edf3; }
    code, pre { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; }
    pre { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 12px; overflow-x: auto; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #30363d; padding: 6px 10px; text-align: left; vertical-align: top; }
  </style>
</head>
<body>
  <p><a href="/docs">← REST API docs</a></p>
  <h1>Event Stream</h1>
  <p>Badge, count and session changes are pushed as Server-Sent Events.</p>

  <h2>Endpoint</h2>
  <pre><code>GET /api/v1/events[?feeds=badge,count,session]</code></pre>
  <p>Omit <code>feeds</code> to receive every feed. Slow clients drop events rather than block the tracker.</p>

  <h2>Feeds</h2>
  <table>
    <thead><tr><th>Feed</th><th>Sent when</th><th>Payload</th></tr></thead>
    <tbody>
      <tr>
        <td><code>badge</code></td>
        <td>a tab's badge text changes</td>
        <td><code>{"tab_id":"…","text":"3","color":"#22c55e"}</code></td>
      </tr>
      <tr>
        <td><code>count</code></td>
        <td>an observer reports a new prompt count</td>
        <td><code>{"tab_id":"…","session_id":"…","prompt_count":3}</code></td>
      </tr>
      <tr>
        <td><code>session</code></td>
        <td>a session starts or closes</td>
        <td><code>{"type":"started","tab_id":"…","session_id":"…"}</code></td>
      </tr>
    </tbody>
  </table>

  <h2>Examples</h2>
  <pre><code>curl -N http://127.0.0.1:8190/api/v1/events
curl -N 'http://127.0.0.1:8190/api/v1/events?feeds=badge'</code></pre>
  <pre><code>const sse = new EventSource('http://127.0.0.1:8190/api/v1/events?feeds=count');
sse.addEventListener('count', (e) => {
  const msg = JSON.parse(e.data);
  console.log(msg.tab_id, msg.prompt_count);
});</code></pre>
</body>
</html>`
