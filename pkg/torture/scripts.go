package torture

import "fmt"

// Scripts are templates over the window that hosts the conference app:
// "window" for a direct join, or an iframe's contentWindow. Each one returns
// null (or false) while the app is not loaded, so a page that is still
// navigating reads as "not yet" rather than a thrown script error.
const (
	scriptInMUC = `const w = %[1]s;
return !!(w && w.APP && w.APP.conference && w.APP.conference.isJoined());`

	scriptIceConnected = `const w = %[1]s;
if (!w || !w.APP || !w.APP.conference) { return 'unknown'; }
return w.APP.conference.getConnectionState();`

	scriptP2P = `const w = %[1]s;
return !!(w && w.APP && w.APP.conference && w.APP.conference.isP2PActive());`

	scriptEndpointID = `const w = %[1]s;
if (!w || !w.APP || !w.APP.conference) { return null; }
return w.APP.conference.getMyUserId();`

	scriptModerator = `const w = %[1]s;
if (!w || !w.APP || !w.APP.conference) { return null; }
return w.APP.conference.isModerator();`

	scriptProtocol = `const w = %[1]s;
if (!w || !w.APP || !w.APP.conference) { return null; }
const stats = w.APP.conference.getStats();
if (!stats || !stats.transport || stats.transport.length === 0) { return null; }
return stats.transport[0].type;`

	scriptBitrate = `const w = %[1]s;
if (!w || !w.APP || !w.APP.conference) { return null; }
const stats = w.APP.conference.getStats();
if (!stats || !stats.bitrate) { return null; }
return { upload: stats.bitrate.upload || 0, download: stats.bitrate.download || 0 };`

	scriptRemoteCount = `const w = %[1]s;
if (!w || !w.APP || !w.APP.conference) { return null; }
return w.APP.conference.listMembers().length;`

	scriptHangUp = `const w = %[1]s;
if (w && w.APP && w.APP.conference) { w.APP.conference.hangup(); }
return true;`
)

func windowExpr(iframeID string) string {
	if iframeID == "" {
		return "window"
	}
	return fmt.Sprintf("(document.getElementById(%q) || {}).contentWindow", iframeID)
}
