// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in chat page.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler returns the handler for WebSocket upgrade requests. It
// validates the method, upgrades the connection, and registers the new
// client with the hub, which launches the pump goroutines.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr)
		hub.register <- client
	}
}

// HealthHandler provides a simple health check endpoint that returns server
// status as plain text.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Baba Chat relay is running!")
}

// ChatPageHandler serves the single-file browser client. The page carries
// the full client session: join gate, presence sidebar, message list with
// own-message styling, and the debounced typing indicator.
func ChatPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, chatPageHTML); err != nil {
		log.Error().Err(err).Msg("Error writing HTML response")
	}
}

const chatPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Baba Chat</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; background-color: #0a0f1a; color: #fff; }
        #app { display: flex; height: 100vh; }
        #sidebar { width: 220px; border-right: 1px solid rgba(255,255,255,0.1); padding: 20px; display: flex; flex-direction: column; }
        #sidebar h1 { font-size: 18px; }
        #onlineHeader { font-size: 11px; color: #6b7280; text-transform: uppercase; letter-spacing: 2px; margin: 20px 0 10px; }
        #userList div { padding: 4px 0; color: #d1d5db; font-size: 14px; }
        #leaveButton { margin-top: auto; background: none; border: none; color: #f87171; cursor: pointer; text-align: left; font-size: 14px; }
        #main { flex: 1; display: flex; flex-direction: column; }
        #header { height: 60px; border-bottom: 1px solid rgba(255,255,255,0.1); display: flex; align-items: center; padding: 0 24px; gap: 10px; }
        #statusDot { width: 8px; height: 8px; border-radius: 50%; background-color: #ef4444; }
        #statusDot.connected { background-color: #22c55e; }
        #messages { flex: 1; overflow-y: auto; padding: 24px; }
        .msg { display: flex; flex-direction: column; align-items: flex-start; margin-bottom: 12px; }
        .msg.own { align-items: flex-end; }
        .msg .bubble { max-width: 70%; padding: 10px 14px; border-radius: 16px; font-size: 14px; background-color: rgba(255,255,255,0.1); }
        .msg.own .bubble { background-color: #2563eb; }
        .msg .meta { font-size: 11px; color: #6b7280; margin-bottom: 2px; }
        #typingLine { height: 20px; padding: 0 24px; font-size: 12px; color: #6b7280; font-style: italic; }
        #inputRow { padding: 16px 24px 24px; display: flex; gap: 10px; }
        #messageInput { flex: 1; background: rgba(255,255,255,0.05); border: 1px solid rgba(255,255,255,0.1); border-radius: 14px; padding: 12px 16px; color: #fff; }
        #sendButton { background-color: #2563eb; border: none; border-radius: 12px; color: #fff; padding: 0 20px; cursor: pointer; }
        #sendButton:disabled { opacity: 0.5; }
        #joinOverlay { position: fixed; inset: 0; background: rgba(10,15,26,0.95); display: flex; align-items: center; justify-content: center; }
        #joinOverlay form { display: flex; gap: 10px; }
        #nameInput { background: rgba(255,255,255,0.05); border: 1px solid rgba(255,255,255,0.2); border-radius: 10px; padding: 12px 16px; color: #fff; }
        #joinButton { background-color: #2563eb; border: none; border-radius: 10px; color: #fff; padding: 0 20px; cursor: pointer; }
        .hidden { display: none !important; }
    </style>
</head>
<body>
    <div id="app">
        <div id="sidebar">
            <h1>Baba Chat</h1>
            <div id="onlineHeader">Online &mdash; <span id="onlineCount">0</span></div>
            <div id="userList"></div>
            <button id="leaveButton" onclick="leave()">Leave</button>
        </div>
        <div id="main">
            <div id="header">
                <h2 style="font-size:16px;">Global Room</h2>
                <div id="statusDot"></div>
            </div>
            <div id="messages"></div>
            <div id="typingLine"></div>
            <div id="inputRow">
                <input type="text" id="messageInput" placeholder="Type message..." autocomplete="off">
                <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
            </div>
        </div>
    </div>

    <div id="joinOverlay">
        <form onsubmit="join(event)">
            <input type="text" id="nameInput" placeholder="Pick a name..." autocomplete="off">
            <button id="joinButton" type="submit">Join</button>
        </form>
    </div>

    <script>
        const TYPING_IDLE_MS = 2000;

        let ws = null;
        let myId = null;
        let joined = false;
        let typingTimer = null;

        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const statusDot = document.getElementById('statusDot');
        const typingLine = document.getElementById('typingLine');
        const userList = document.getElementById('userList');
        const onlineCount = document.getElementById('onlineCount');
        const joinOverlay = document.getElementById('joinOverlay');

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss' : 'ws';
            ws = new WebSocket(scheme + '://' + location.host + '/ws');

            ws.onopen = function() {
                statusDot.classList.add('connected');
            };

            ws.onmessage = function(event) {
                const ev = JSON.parse(event.data);
                switch (ev.type) {
                    case 'welcome':
                        myId = ev.id;
                        break;
                    case 'message':
                        appendMessage(ev);
                        break;
                    case 'presence':
                        renderPresence(ev.users || []);
                        break;
                    case 'typing':
                        typingLine.textContent = ev.isTyping ? ev.user + ' is typing...' : '';
                        break;
                }
            };

            ws.onclose = function() {
                statusDot.classList.remove('connected');
                sendButton.disabled = true;
                ws = null;
            };
        }

        function join(e) {
            e.preventDefault();
            const name = document.getElementById('nameInput').value.trim();
            if (!name || !ws || ws.readyState !== WebSocket.OPEN) return;
            ws.send(JSON.stringify({type: 'join', user: name}));
            joined = true;
            joinOverlay.classList.add('hidden');
            sendButton.disabled = false;
            messageInput.focus();
        }

        function appendMessage(ev) {
            const wrapper = document.createElement('div');
            wrapper.className = ev.senderId === myId ? 'msg own' : 'msg';

            const meta = document.createElement('div');
            meta.className = 'meta';
            meta.textContent = ev.user;
            wrapper.appendChild(meta);

            const bubble = document.createElement('div');
            bubble.className = 'bubble';
            bubble.textContent = ev.text;
            wrapper.appendChild(bubble);

            messagesDiv.appendChild(wrapper);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function renderPresence(users) {
            onlineCount.textContent = users.length;
            userList.replaceChildren();
            for (const user of users) {
                const row = document.createElement('div');
                row.textContent = user;
                userList.appendChild(row);
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (!text || !joined || !ws || ws.readyState !== WebSocket.OPEN) return;
            ws.send(JSON.stringify({type: 'message', text: text}));
            messageInput.value = '';
        }

        function sendTyping(isTyping) {
            if (!joined || !ws || ws.readyState !== WebSocket.OPEN) return;
            ws.send(JSON.stringify({type: 'typing', isTyping: isTyping}));
        }

        messageInput.addEventListener('input', function() {
            sendTyping(true);
            if (typingTimer) clearTimeout(typingTimer);
            typingTimer = setTimeout(function() { sendTyping(false); }, TYPING_IDLE_MS);
        });

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') sendMessage();
        });

        function leave() {
            if (ws) ws.close();
            if (typingTimer) clearTimeout(typingTimer);
            joined = false;
            myId = null;
            messagesDiv.replaceChildren();
            renderPresence([]);
            typingLine.textContent = '';
            joinOverlay.classList.remove('hidden');
        }

        connect();
    </script>
</body>
</html>`
