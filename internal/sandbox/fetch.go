package sandbox

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/dop251/goja"
)

// newFetch builds the ctx.fetch(url, init?) function exposed inside the
// isolate. The actual network I/O happens on the host via httpClient,
// scoped to execCtx so the session's cancel signal aborts the in-flight
// request; the JS side only ever sees a thin response object.
func newFetch(vm *goja.Runtime, httpClient *http.Client, execCtx context.Context) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("fetch requires a url"))
		}
		url := call.Arguments[0].String()

		method := "GET"
		var bodyReader io.Reader
		headers := map[string]string{}

		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Arguments[1]) {
			init := call.Arguments[1].ToObject(vm)
			if m := init.Get("method"); m != nil && !goja.IsUndefined(m) {
				method = strings.ToUpper(m.String())
			}
			if b := init.Get("body"); b != nil && !goja.IsUndefined(b) {
				bodyReader = strings.NewReader(b.String())
			}
			if h := init.Get("headers"); h != nil && !goja.IsUndefined(h) {
				if hobj := h.ToObject(vm); hobj != nil {
					for _, k := range hobj.Keys() {
						headers[k] = hobj.Get(k).String()
					}
				}
			}
		}

		req, err := http.NewRequestWithContext(execCtx, method, url, bodyReader)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}

		respHeaders := map[string]string{}
		for k := range resp.Header {
			respHeaders[k] = resp.Header.Get(k)
		}

		out := vm.NewObject()
		_ = out.Set("status", resp.StatusCode)
		_ = out.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
		_ = out.Set("headers", respHeaders)
		_ = out.Set("text", func(goja.FunctionCall) goja.Value {
			return vm.ToValue(string(data))
		})
		_ = out.Set("json", func(goja.FunctionCall) goja.Value {
			parseJSON, ok := goja.AssertFunction(vm.GlobalObject().Get("JSON").ToObject(vm).Get("parse"))
			if !ok {
				return goja.Undefined()
			}
			parsed, err := parseJSON(goja.Undefined(), vm.ToValue(string(data)))
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return parsed
		})

		return out
	}
}
