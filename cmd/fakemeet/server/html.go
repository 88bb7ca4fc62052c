package server

import "html/template"

type pageData struct {
	Room string
}

// pageTemplate is the meeting page. It joins the room's MUC, publishes
// camera and microphone to the server and exposes window.APP.conference
// for the harness to query. The fragment may carry config.* overrides;
// config.failICE=true restricts ICE to relay candidates with no TURN
// server, so the connection never comes up.
var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>fakemeet: {{.Room}}</title>
    <style>
        body { font-family: sans-serif; margin: 20px; background: #202124; color: #e8eaed; }
        video { width: 320px; height: 180px; background: #000; margin: 4px; }
        #status { font-family: monospace; }
    </style>
</head>
<body>
    <h1>{{.Room}}</h1>
    <div id="status">connecting</div>
    <video id="local" autoplay muted playsinline></video>
    <video id="remote" autoplay muted playsinline></video>
<script>
(function () {
    const room = {{.Room}};
    const config = {};
    for (const part of location.hash.replace(/^#/, '').split('&')) {
        if (!part) continue;
        const i = part.indexOf('=');
        const key = decodeURIComponent(i < 0 ? part : part.slice(0, i));
        const value = i < 0 ? '' : decodeURIComponent(part.slice(i + 1));
        if (key.startsWith('config.')) config[key.slice(7)] = value;
    }

    const state = {
        joined: false,
        id: null,
        moderator: false,
        members: [],
        pc: null,
        ws: null,
        stats: { bitrate: { upload: 0, download: 0 }, transport: [] },
        last: null,
        hungUp: false,
    };

    function setStatus(text) {
        document.getElementById('status').textContent = text;
    }

    async function localMedia() {
        try {
            return await navigator.mediaDevices.getUserMedia({ audio: true, video: true });
        } catch (e) {
            const canvas = document.createElement('canvas');
            canvas.width = 320;
            canvas.height = 180;
            const ctx = canvas.getContext('2d');
            let frame = 0;
            setInterval(() => {
                ctx.fillStyle = 'hsl(' + (frame++ % 360) + ',70%,50%)';
                ctx.fillRect(0, 0, canvas.width, canvas.height);
            }, 33);
            const stream = canvas.captureStream(30);
            const audio = new AudioContext();
            const osc = audio.createOscillator();
            const dest = audio.createMediaStreamDestination();
            osc.connect(dest);
            osc.start();
            dest.stream.getAudioTracks().forEach((t) => stream.addTrack(t));
            return stream;
        }
    }

    function waitGathering(pc) {
        if (pc.iceGatheringState === 'complete') return Promise.resolve();
        return new Promise((resolve) => {
            pc.addEventListener('icegatheringstatechange', () => {
                if (pc.iceGatheringState === 'complete') resolve();
            });
        });
    }

    async function publish() {
        const opts = config.failICE === 'true' ? { iceTransportPolicy: 'relay', iceServers: [] } : {};
        const pc = new RTCPeerConnection(opts);
        state.pc = pc;
        pc.addEventListener('iceconnectionstatechange', () => setStatus('ice ' + pc.iceConnectionState));
        pc.addEventListener('track', (ev) => {
            document.getElementById('remote').srcObject = ev.streams[0] || new MediaStream([ev.track]);
        });

        const stream = await localMedia();
        document.getElementById('local').srcObject = stream;
        stream.getTracks().forEach((t) => pc.addTrack(t, stream));

        await pc.setLocalDescription(await pc.createOffer());
        await waitGathering(pc);
        const resp = await fetch('/offer', {
            method: 'POST',
            headers: { 'Content-Type': 'application/json' },
            body: JSON.stringify({ room: room, endpoint: state.id, sdp: pc.localDescription }),
        });
        if (!resp.ok) throw new Error('offer rejected: ' + resp.status);
        await pc.setRemoteDescription(await resp.json());
    }

    async function pollStats() {
        const pc = state.pc;
        if (!pc || pc.connectionState === 'closed') return;
        const report = await pc.getStats();
        let sent = 0, received = 0, pair = null;
        const candidates = {};
        report.forEach((s) => {
            if (s.type === 'outbound-rtp') sent += s.bytesSent || 0;
            if (s.type === 'inbound-rtp') received += s.bytesReceived || 0;
            if (s.type === 'local-candidate') candidates[s.id] = s;
            if (s.type === 'transport' && s.selectedCandidatePairId) pair = report.get(s.selectedCandidatePairId);
        });
        const now = performance.now();
        if (state.last) {
            const secs = (now - state.last.at) / 1000;
            if (secs > 0) {
                state.stats.bitrate = {
                    upload: Math.round((sent - state.last.sent) * 8 / 1000 / secs),
                    download: Math.round((received - state.last.received) * 8 / 1000 / secs),
                };
            }
        }
        state.last = { at: now, sent: sent, received: received };
        const local = pair && candidates[pair.localCandidateId];
        state.stats.transport = local ? [{ type: local.protocol }] : [];
    }

    function joinMUC() {
        const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
        const ws = new WebSocket(scheme + location.host + '/muc/' + encodeURIComponent(room));
        state.ws = ws;
        ws.onmessage = (ev) => {
            const msg = JSON.parse(ev.data);
            if (msg.type !== 'presence') return;
            const first = !state.joined;
            state.id = msg.you;
            state.members = msg.members;
            const me = msg.members.find((m) => m.id === msg.you);
            state.moderator = !!(me && me.moderator);
            state.joined = true;
            if (first) {
                setStatus('joined as ' + state.id);
                publish().catch((e) => setStatus('publish failed: ' + e));
            }
        };
        ws.onclose = () => {
            state.joined = false;
            if (!state.hungUp) setStatus('disconnected');
        };
    }

    window.APP = {
        conference: {
            isJoined: () => state.joined,
            getMyUserId: () => state.id,
            isModerator: () => state.moderator,
            getConnectionState: () => (state.pc ? state.pc.iceConnectionState : 'new'),
            isP2PActive: () => false,
            getStats: () => state.stats,
            listMembers: () => state.members.filter((m) => m.id !== state.id),
            hangup: () => {
                state.hungUp = true;
                state.joined = false;
                if (state.ws && state.ws.readyState === WebSocket.OPEN) {
                    state.ws.send(JSON.stringify({ type: 'leave' }));
                    state.ws.close();
                }
                if (state.pc) state.pc.close();
                setStatus('left');
            },
        },
    };

    setInterval(() => { pollStats().catch(() => {}); }, 1000);
    joinMUC();
})();
</script>
</body>
</html>
`))
