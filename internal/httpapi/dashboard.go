package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relaysync</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }

    .bar, .panel, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
    }

    h1 { margin: 0; font-size: 1.4rem; }
    h2 { margin: 0 0 10px; font-size: 0.9rem; text-transform: uppercase; letter-spacing: 0.06em; }

    .controls { display: grid; gap: 10px; grid-template-columns: 1fr auto auto; margin-top: 12px; }
    .controls input { border-radius: 10px; border: 1px solid var(--line); padding: 10px 12px; }

    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 12px;
      font-weight: 700;
      cursor: pointer;
      background: var(--accent);
      color: #ffffff;
    }

    .cards { display: grid; gap: 10px; grid-template-columns: repeat(6, minmax(120px, 1fr)); }
    .label { text-transform: uppercase; letter-spacing: 0.09em; font-size: 0.66rem; color: var(--muted); }
    .value { margin-top: 6px; font-size: 1.05rem; font-weight: 700; }
    .mono { font-family: "IBM Plex Mono", "SFMono-Regular", Menlo, monospace; }
    .warn { color: var(--danger); }

    .feed { margin: 0; padding: 0; list-style: none; display: grid; gap: 6px; max-height: 420px; overflow: auto; }
    .feed li { border-left: 4px solid var(--accent); padding: 6px 8px; background: #fffcf7; font-size: 0.82rem; }
    .feed li.item_failed, .feed li.sync_failed { border-left-color: var(--danger); }

    @media (max-width: 900px) { .cards { grid-template-columns: repeat(2, minmax(120px, 1fr)); } }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>relaysync</h1>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (sync:read)" autocomplete="off" />
        <button id="refresh" type="button">Refresh</button>
        <button id="trigger" type="button">Sync Now</button>
      </div>
      <div class="label" style="margin-top:8px">status: <span id="statusMessage">idle</span></div>
    </section>

    <section class="cards">
      <article class="card"><div class="label">Online</div><div id="online" class="value">-</div></article>
      <article class="card"><div class="label">Pending</div><div id="pending" class="value">-</div></article>
      <article class="card"><div class="label">Dormant</div><div id="dormant" class="value">-</div></article>
      <article class="card"><div class="label">Success Rate</div><div id="successRate" class="value">-</div></article>
      <article class="card"><div class="label">Circuit</div><div id="circuit" class="value mono">-</div></article>
      <article class="card"><div class="label">Data Saved</div><div id="dataSaved" class="value">-</div></article>
    </section>

    <section class="panel">
      <h2>Live Events</h2>
      <ul id="events" class="feed"></ul>
    </section>
  </main>

  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        trigger: document.getElementById("trigger"),
        statusMessage: document.getElementById("statusMessage"),
        online: document.getElementById("online"),
        pending: document.getElementById("pending"),
        dormant: document.getElementById("dormant"),
        successRate: document.getElementById("successRate"),
        circuit: document.getElementById("circuit"),
        dataSaved: document.getElementById("dataSaved"),
        events: document.getElementById("events"),
      };
      let socket = null;

      function cid() {
        return "dash_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8);
      }

      function getToken() {
        return dom.token.value.trim();
      }

      async function request(method, path) {
        const token = getToken();
        if (!token) {
          throw new Error("missing token");
        }
        const response = await fetch(window.location.origin + path, {
          method: method,
          headers: { "Authorization": "Bearer " + token, "X-Correlation-Id": cid() },
        });
        const data = await response.json();
        if (!response.ok) {
          throw new Error(response.status + " " + (data.code || "error") + ": " + (data.message || ""));
        }
        return data;
      }

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = cls || "";
      }

      async function refresh() {
        try {
          const [status, stats] = await Promise.all([
            request("GET", "/v1/sync/status"),
            request("GET", "/v1/sync/stats"),
          ]);
          const counts = stats.countsByStatus || {};
          dom.online.textContent = status.online ? "yes" : "no";
          dom.pending.textContent = String(counts.pending || 0);
          dom.dormant.textContent = String(counts.dormant || 0);
          dom.successRate.textContent = Number(stats.syncSuccessRate || 0).toFixed(1) + "%";
          dom.circuit.textContent = stats.circuitState || "-";
          dom.dataSaved.textContent = String(stats.dataSaved || 0) + " B";
          setStatus("updated " + new Date().toLocaleTimeString());
          window.localStorage.setItem("relaysync_dashboard_token", getToken());
          connect();
        } catch (err) {
          setStatus(String(err.message || err), "warn");
        }
      }

      function connect() {
        if (socket || !getToken()) {
          return;
        }
        const proto = window.location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(proto + window.location.host + "/v1/events?access_token=" + encodeURIComponent(getToken()));
        socket.onmessage = function (msg) {
          const ev = JSON.parse(msg.data);
          const li = document.createElement("li");
          li.className = ev.type || "";
          li.textContent = [ev.timestamp || "", ev.type, ev.entityType || "", ev.entityId || "", ev.errorKind || ""].join("  ");
          dom.events.prepend(li);
          while (dom.events.children.length > 200) {
            dom.events.removeChild(dom.events.lastChild);
          }
          if (ev.type === "sync_completed" || ev.type === "item_enqueued") {
            refresh();
          }
        };
        socket.onclose = function () {
          socket = null;
        };
      }

      dom.refresh.addEventListener("click", refresh);
      dom.trigger.addEventListener("click", async function () {
        try {
          const result = await request("POST", "/v1/sync/trigger");
          setStatus(result.ran ? "cycle finished" : "skipped: " + result.reason);
          refresh();
        } catch (err) {
          setStatus(String(err.message || err), "warn");
        }
      });

      dom.token.value = window.localStorage.getItem("relaysync_dashboard_token") || "";
      setInterval(refresh, 5000);
      if (dom.token.value) {
        refresh();
      } else {
        setStatus("enter token to start", "warn");
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
