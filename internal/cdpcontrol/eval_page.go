package cdpcontrol

import (
	"encoding/json"

	"github.com/dgnsrekt/offset_tracker/internal/types"
)

// bindingName is the window function the signal script calls.
const bindingName = "__offsetTrackerSignal"

// jsSnapshot returns the document's outerHTML in the eval envelope.
var jsSnapshot = wrapJSEval(`
var root = document.documentElement;
return JSON.stringify({ok:true,data:root ? root.outerHTML : ""});`)

// jsSignals reports structural mutations, clicks, and message submits
// through the binding. Mutations are coalesced in the page; the observer
// debounces again on its side.
const jsSignals = `
(function(BINDING){
  if (window.__offsetTrackerInstalled) return;
  window.__offsetTrackerInstalled = true;
  var send = function(kind) {
    try { if (typeof window[BINDING] === "function") window[BINDING](kind); } catch (_) {}
  };
  var pending = false;
  var mutated = function() {
    if (pending) return;
    pending = true;
    setTimeout(function(){ pending = false; send("mutation"); }, 100);
  };
  var isSend = function(el) {
    return !!(el && el.closest && el.closest('[data-testid="send-button"],button[aria-label*="Send"]'));
  };
  document.addEventListener("click", function(ev) {
    send(isSend(ev.target) ? "submit" : "click");
  }, true);
  document.addEventListener("keydown", function(ev) {
    if (ev.key !== "Enter" || ev.shiftKey || ev.isComposing) return;
    var t = ev.target;
    if (t && (t.id === "prompt-textarea" || (t.closest && t.closest("form")))) send("submit");
  }, true);
  var start = function() {
    var root = document.querySelector("main") || document.body;
    if (!root) { setTimeout(start, 500); return; }
    new MutationObserver(mutated).observe(root, {childList:true, subtree:true, characterData:true});
  };
  if (document.readyState === "loading") {
    document.addEventListener("DOMContentLoaded", start);
  } else {
    start();
  }
})`

func signalScript() string {
	return jsSignals + "(" + jsString(bindingName) + ");"
}

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func buildIIFE(async bool, body string) string {
	prefix := "(function(){\n"
	if async {
		prefix = "(async function(){\n"
	}
	return prefix + `try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + types.CodeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}

func wrapJSEval(body string) string { return buildIIFE(false, body) }
