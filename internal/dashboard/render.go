package dashboard

import (
	"embed"
	"html/template"
	"io"
	"io/fs"

	"github.com/labstack/echo/v4"

	"github.com/ehr/dashboard/pkg/prettyjson"
)

const pageTemplate = "dashboard.html"

//go:embed web/templates/*.html web/static/*
var assets embed.FS

// StaticFS returns the stylesheet and script served under /static.
func StaticFS() fs.FS {
	sub, err := fs.Sub(assets, "web/static")
	if err != nil {
		panic(err)
	}
	return sub
}

// Renderer implements echo.Renderer over the embedded page templates.
type Renderer struct {
	tmpl *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(assets, "web/templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Renderer{tmpl: tmpl}, nil
}

func (r *Renderer) Render(w io.Writer, name string, data interface{}, _ echo.Context) error {
	return r.tmpl.ExecuteTemplate(w, name, data)
}

type panelView struct {
	ID    Panel
	Title string
	Body  string
}

type pageData struct {
	State      State
	BackendURL string
	Panels     []panelView
	Methods    []string
	Genders    []string
}

var panelTitles = []struct {
	panel Panel
	title string
}{
	{PanelPatient, "Patient"},
	{PanelObservations, "Observations"},
	{PanelSearch, "Search Results"},
	{PanelParsed, "Parsed HL7 Message"},
	{PanelConverted, "HL7 from FHIR"},
	{PanelAPI, "API Response"},
}

// View is the JSON form of a State sent to live pages: the state plus each
// filled panel indented the way the server-rendered page shows it, so numbers
// reach the page exactly as the backend sent them.
type View struct {
	State
	Pretty map[Panel]string `json:"pretty,omitempty"`
}

func NewView(st State) View {
	v := View{State: st}
	for _, pt := range panelTitles {
		raw := st.Result(pt.panel)
		if len(raw) == 0 {
			continue
		}
		if v.Pretty == nil {
			v.Pretty = make(map[Panel]string, len(panelTitles))
		}
		v.Pretty[pt.panel] = prettyjson.MustFormat(raw)
	}
	return v
}

// newPageData builds the view of st. Only filled panels are shown.
func newPageData(st State, backendURL string) pageData {
	data := pageData{
		State:      st,
		BackendURL: backendURL,
		Methods:    []string{"GET", "POST", "PUT", "DELETE"},
		Genders:    []string{"male", "female", "other", "unknown"},
	}
	for _, pt := range panelTitles {
		raw := st.Result(pt.panel)
		if len(raw) == 0 {
			continue
		}
		data.Panels = append(data.Panels, panelView{
			ID:    pt.panel,
			Title: pt.title,
			Body:  prettyjson.MustFormat(raw),
		})
	}
	return data
}
