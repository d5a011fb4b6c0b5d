package domain

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Template 通知模板，按 (事件类型, 渠道) 唯一。
// 主题与正文使用 text/template 语法，以事件 payload 字段渲染。
type Template struct {
	ID              string
	Name            string
	EventType       string
	Channel         Channel
	SubjectTemplate string
	BodyTemplate    string
	Enabled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Render 以给定字段渲染模板；引用的字段缺失视为校验错误
func (t *Template) Render(fields map[string]any) (RenderedMessage, error) {
	body, err := renderText(t.Name+":body", t.BodyTemplate, fields)
	if err != nil {
		return RenderedMessage{}, NewValidationError(t.EventType, fmt.Sprintf("body template: %v", err))
	}

	subject := ""
	if t.SubjectTemplate != "" {
		subject, err = renderText(t.Name+":subject", t.SubjectTemplate, fields)
		if err != nil {
			return RenderedMessage{}, NewValidationError(t.EventType, fmt.Sprintf("subject template: %v", err))
		}
	}

	return RenderedMessage{
		Subject: subject,
		Body:    body,
	}, nil
}

// CheckSyntax 只做模板解析，不做渲染；保存路径用它提前暴露语法错误
func (t *Template) CheckSyntax() error {
	if _, err := template.New(t.Name + ":body").Parse(t.BodyTemplate); err != nil {
		return NewValidationError(t.EventType, fmt.Sprintf("body template: %v", err))
	}
	if t.SubjectTemplate != "" {
		if _, err := template.New(t.Name + ":subject").Parse(t.SubjectTemplate); err != nil {
			return NewValidationError(t.EventType, fmt.Sprintf("subject template: %v", err))
		}
	}
	return nil
}

func renderText(name, text string, fields map[string]any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, fields); err != nil {
		return "", err
	}
	return sb.String(), nil
}
