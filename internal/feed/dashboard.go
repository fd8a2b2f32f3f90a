package feed

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Available Tasks</title>
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
      padding: 20px;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 12px; }
    .bar {
      display: flex;
      align-items: center;
      justify-content: space-between;
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px 16px;
    }
    h1 { margin: 0; font-size: 1.3rem; }
    .sub { color: var(--muted); font-size: 0.85rem; }
    button {
      border: 1px solid var(--line);
      border-radius: 10px;
      background: #fff;
      padding: 6px 12px;
      cursor: pointer;
    }
    button.primary { background: var(--accent); border-color: var(--accent); color: #fff; }
    button.danger { color: var(--danger); }
    .notice {
      display: none;
      justify-content: space-between;
      align-items: center;
      border-radius: 12px;
      padding: 10px 14px;
      background: #fff4e5;
      border: 1px solid #e8c9a0;
    }
    .notice.show { display: flex; }
    ul { list-style: none; margin: 0; padding: 0; display: grid; gap: 8px; }
    li {
      display: grid;
      grid-template-columns: 40px 1fr auto;
      gap: 12px;
      align-items: center;
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 10px 14px;
    }
    .avatar { width: 40px; height: 40px; border-radius: 50%; background: var(--line); object-fit: cover; }
    .title { font-weight: 600; }
    .meta { color: var(--muted); font-size: 0.85rem; }
    .empty { color: var(--muted); text-align: center; padding: 30px; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <div>
        <h1>Available Tasks</h1>
        <div class="sub" id="status">connecting</div>
      </div>
      <button class="primary" id="refresh">Refresh</button>
    </div>
    <div class="notice" id="notice">
      <span id="notice-text"></span>
      <span>
        <button id="undo">Undo</button>
        <button id="dismiss">Dismiss</button>
      </span>
    </div>
    <ul id="tasks"></ul>
  </div>
  <script>
    (() => {
      const dom = {
        status: document.getElementById("status"),
        refresh: document.getElementById("refresh"),
        notice: document.getElementById("notice"),
        noticeText: document.getElementById("notice-text"),
        undo: document.getElementById("undo"),
        dismiss: document.getElementById("dismiss"),
        tasks: document.getElementById("tasks"),
      };
      let socket = null;
      let undoID = "";

      function send(intent) {
        if (socket && socket.readyState === WebSocket.OPEN) {
          socket.send(JSON.stringify(intent));
        }
      }

      function price(range) {
        if (!range || (!range.min && !range.max)) return "";
        if (range.min === range.max) return "£" + range.min;
        return "£" + range.min + " to £" + range.max;
      }

      function row(task) {
        const li = document.createElement("li");
        const avatar = document.createElement("img");
        avatar.className = "avatar";
        avatar.alt = "";
        if (task.owner && task.owner.avatarRef) avatar.src = task.owner.avatarRef;
        const body = document.createElement("div");
        const title = document.createElement("div");
        title.className = "title";
        title.textContent = task.title;
        const meta = document.createElement("div");
        meta.className = "meta";
        meta.textContent = [task.owner && task.owner.displayName, task.location, task.deadline, price(task.priceRange), task.status]
          .filter(Boolean).join(" · ");
        body.append(title, meta);
        const withdraw = document.createElement("button");
        withdraw.className = "danger";
        withdraw.textContent = "Withdraw";
        withdraw.addEventListener("click", () => send({ type: "withdraw", id: task.id }));
        li.append(avatar, body, withdraw);
        return li;
      }

      function render(snap) {
        const when = snap.refreshedAt ? new Date(snap.refreshedAt).toLocaleTimeString() : "never";
        dom.status.textContent = snap.state + " · refreshed " + when;
        dom.tasks.replaceChildren();
        if (!snap.tasks.length) {
          const empty = document.createElement("li");
          empty.className = "empty";
          empty.textContent = "No tasks available.";
          dom.tasks.append(empty);
        }
        for (const task of snap.tasks) dom.tasks.append(row(task));
        undoID = snap.notice && snap.notice.kind === "withdrawn" && snap.undoable.includes(snap.notice.taskId) ? snap.notice.taskId : "";
        dom.undo.style.display = undoID ? "" : "none";
        dom.notice.classList.toggle("show", Boolean(snap.notice));
        dom.noticeText.textContent = snap.notice ? snap.notice.message : "";
      }

      function connect() {
        const scheme = location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + location.host + "/v1/feed");
        socket.addEventListener("message", (event) => {
          const msg = JSON.parse(event.data);
          if (msg.type === "snapshot") render(msg.snapshot);
          if (msg.type === "error") dom.status.textContent = msg.error.message;
        });
        socket.addEventListener("close", () => {
          dom.status.textContent = "disconnected; retrying";
          setTimeout(connect, 2000);
        });
      }

      dom.refresh.addEventListener("click", () => send({ type: "refresh" }));
      dom.undo.addEventListener("click", () => undoID && send({ type: "undo", id: undoID }));
      dom.dismiss.addEventListener("click", () => send({ type: "dismiss" }));
      connect();
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
