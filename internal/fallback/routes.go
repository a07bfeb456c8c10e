package fallback

import (
	"embed"
	"fmt"
	"html"
	"strconv"
	"strings"
)

//go:embed pages/*.html
var pages embed.FS

// Route names, used as the metrics label.
const (
	RouteHome      = "home"
	RouteSignup    = "signup"
	RouteSignin    = "signin"
	RouteHosting   = "hosting"
	RouteDashboard = "dashboard"
	RouteAsset     = "asset"
	RouteStarting  = "starting"
	RouteError     = "error"
)

const assetPrefix = "/assets/"

var routes = map[string]string{
	"/":                     RouteHome,
	"/users/new":            RouteSignup,
	"/users/sign_up":        RouteSignup,
	"/users/sign_in":        RouteSignin,
	"/users/local_hosting":  RouteHosting,
	"/users/host_dashboard": RouteDashboard,
}

var pageFiles = map[string]string{
	RouteHome:      "pages/home.html",
	RouteSignup:    "pages/signup.html",
	RouteSignin:    "pages/signin.html",
	RouteHosting:   "pages/hosting.html",
	RouteDashboard: "pages/dashboard.html",
	RouteStarting:  "pages/starting.html",
}

// Response is a complete HTTP/1.1 answer for one request.
type Response struct {
	Status      int
	Reason      string
	ContentType string
	Body        string
	Route       string
}

// Bytes renders the status line, headers and body.
func (r Response) Bytes() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.Status, r.Reason)
	b.WriteString("Content-Type: " + r.ContentType + "\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(r.Body)) + "\r\n")
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(r.Body)
	return []byte(b.String())
}

// Respond maps raw request bytes to a response. Only the request target of
// the first line matters; the method and headers are ignored.
func Respond(raw []byte, mode Mode) Response {
	req := string(raw)
	if req == "" {
		return ErrorPage("Empty request")
	}
	line, _, _ := strings.Cut(req, "\n")
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return ErrorPage("Malformed request line")
	}
	path, _, _ := strings.Cut(parts[1], "?")
	if strings.HasPrefix(path, assetPrefix) {
		return Response{Status: 404, Reason: "Not Found", ContentType: "text/plain", Body: "Asset not found", Route: RouteAsset}
	}
	if mode == ModeStarting {
		return page(RouteStarting)
	}
	route, ok := routes[path]
	if !ok {
		route = RouteHome
	}
	return page(route)
}

// ErrorPage is the 500 answer carrying a description of what went wrong.
func ErrorPage(desc string) Response {
	body := "<!DOCTYPE html><html><head><title>Server Error</title></head>" +
		"<body><h1>Server Error</h1><p>" + html.EscapeString(desc) + "</p></body></html>"
	return Response{Status: 500, Reason: "Internal Server Error", ContentType: "text/html; charset=utf-8", Body: body, Route: RouteError}
}

func page(route string) Response {
	b, err := pages.ReadFile(pageFiles[route])
	if err != nil {
		return ErrorPage("page unavailable: " + route)
	}
	return Response{Status: 200, Reason: "OK", ContentType: "text/html; charset=utf-8", Body: string(b), Route: route}
}
