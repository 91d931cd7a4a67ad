package asset

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Kind classifies an asset. It is decided once, at construction.
type Kind int

const (
	KindInvalid Kind = iota
	KindImage
	KindAudio
	KindHTML
	KindMarkdown
	KindJavaScript
	KindCSS
	KindText
	KindJSON
	KindXML
	KindPDF
	KindLibraryBundle
	KindGenericData
)

var kindNames = map[Kind]string{
	KindInvalid:       "Invalid",
	KindImage:         "Image",
	KindAudio:         "Audio",
	KindHTML:          "Html",
	KindMarkdown:      "Markdown",
	KindJavaScript:    "JavaScript",
	KindCSS:           "Css",
	KindText:          "Text",
	KindJSON:          "Json",
	KindXML:           "Xml",
	KindPDF:           "Pdf",
	KindLibraryBundle: "LibraryBundle",
	KindGenericData:   "GenericData",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindInvalid]
}

// ParseKind maps a kind name (case-insensitive) back to its Kind; unknown names are Invalid.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return k
		}
	}
	return KindInvalid
}

// IsText reports whether the kind carries character data.
func (k Kind) IsText() bool {
	switch k {
	case KindHTML, KindMarkdown, KindJavaScript, KindCSS, KindText, KindJSON, KindXML:
		return true
	default:
		return false
	}
}

// defaultExtension is used when neither a name nor a probe yields an extension.
func (k Kind) defaultExtension() string {
	switch k {
	case KindHTML:
		return "html"
	case KindMarkdown:
		return "md"
	case KindJavaScript:
		return "js"
	case KindCSS:
		return "css"
	case KindText:
		return "txt"
	case KindJSON:
		return "json"
	case KindXML:
		return "xml"
	case KindPDF:
		return "pdf"
	case KindLibraryBundle:
		return "mtlib"
	default:
		return genericExtension
	}
}

// Classify maps a declared media type and a filename hint to a Kind. It is
// total: any input yields exactly one Kind.
func Classify(mediaType, filenameHint string) Kind {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	major, sub, _ := strings.Cut(mt, "/")

	switch major {
	case "image":
		return KindImage
	case "audio":
		return KindAudio
	case "text":
		switch sub {
		case "html":
			return KindHTML
		case "markdown", "x-markdown":
			return KindMarkdown
		case "javascript":
			return KindJavaScript
		case "css":
			return KindCSS
		case "xml":
			return KindXML
		default:
			return KindText
		}
	case "application":
		switch sub {
		case "json":
			return KindJSON
		case "xml":
			return KindXML
		case "pdf":
			return KindPDF
		case "javascript", "x-javascript":
			return KindJavaScript
		case "octet-stream":
			return KindGenericData
		case "zip":
			if isLibraryHint(filenameHint) {
				return KindLibraryBundle
			}
			return KindInvalid
		}
	}
	return KindInvalid
}

func isLibraryHint(hint string) bool {
	base := strings.ToLower(path.Base(strings.ReplaceAll(hint, "\\", "/")))
	return strings.HasSuffix(base, ".mtlib") || base == "library.json"
}

// extensionTypes covers extensions the system mime table commonly lacks or disagrees on.
var extensionTypes = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".mtlib":    "application/zip",
	".js":       "text/javascript",
	".json":     "application/json",
	".webp":     "image/webp",
	".ogg":      "audio/ogg",
	".mp3":      "audio/mpeg",
	".wav":      "audio/wav",
	".dat":      "application/octet-stream",
}

// DetectMediaType returns the media type for data, preferring the filename
// extension and falling back to content sniffing.
func DetectMediaType(data []byte, filenameHint string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(filenameHint, "\\", "/")))
	if ext != "" {
		if mt, ok := extensionTypes[ext]; ok {
			return mt
		}
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	return http.DetectContentType(data)
}
