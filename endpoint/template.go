package endpoint

import (
	"bytes"
	"errors"
	"html/template"
	"io"
	"net/http"
)

// HTMLTemplateRenderer renders an html/template into the response.
//
// Execution is buffered so template errors surface before the status is
// written. Name, when set, selects the template passed to ExecuteTemplate.
type HTMLTemplateRenderer struct {
	Status   int
	Template *template.Template
	Name     string
	Values   any
}

func (hr *HTMLTemplateRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if hr.Template == nil {
		return errors.New("endpoint: nil html/template")
	}

	var buf bytes.Buffer
	var err error
	if hr.Name != "" {
		err = hr.Template.ExecuteTemplate(&buf, hr.Name, hr.Values)
	} else {
		err = hr.Template.Execute(&buf, hr.Values)
	}
	if err != nil {
		return err
	}

	setContentType(w, "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusOr(hr.Status, http.StatusOK))
	_, err = io.Copy(w, &buf)
	return err
}
