package assets

import "strings"

// extensions maps the content types we mirror to the suffix stored on the object key.
// Anything not listed is not an image or video we serve from the CDN.
var extensions = map[string]string{
	"image/jpeg":                "jpg",
	"image/png":                 "png",
	"image/gif":                 "gif",
	"image/svg+xml":             "svg",
	"image/xml":                 "xml",
	"image/webp":                "webp",
	"image/tiff":                "tiff",
	"image/x-tiff":              "tiff",
	"image/bmp":                 "bmp",
	"image/x-windows-bmp":       "bmp",
	"image/vnd.microsoft.icon":  "ico",
	"image/x-icon":              "ico",
	"image/vnd.adobe.photoshop": "psd",
	"image/x-photoshop":         "psd",
	"image/x-xbitmap":           "xbm",
	"image/x-xbm":               "xbm",
	"image/x-xpixmap":           "xpm",
	"image/xpm":                 "xpm",
	"image/x-xpm":               "xpm",
	"image/x-xwd":               "xwd",
	"image/x-xwindowdump":       "xwd",
	"image/xwd":                 "xwd",
	"video/mp4":                 "mp4",
}

// ExtensionFor returns the file extension (without dot) for a Content-Type header value,
// or "" when the type is empty or not one we mirror. Parameters such as charset are ignored.
func ExtensionFor(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return extensions[strings.ToLower(strings.TrimSpace(mt))]
}
