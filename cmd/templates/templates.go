package templates

import (
	"fmt"
	"io"

	"github.com/Mmx233/llproxy/protocol/template"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	asJSON        bool
	templatesFile string

	Cmd = &cobra.Command{
		Use:   "templates [name...]",
		Short: "List message templates, or show the layout of the named ones",
		RunE:  runTemplates,
	}
)

func init() {
	Cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	Cmd.Flags().StringVar(&templatesFile, "templates", "", "message_template.msg override")
}

func runTemplates(cmd *cobra.Command, args []string) error {
	schema, err := template.Default()
	if templatesFile != "" {
		schema, err = template.Load(templatesFile)
	}
	if err != nil {
		return err
	}
	return Print(cmd.OutOrStdout(), schema, args, asJSON)
}

type fieldInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int    `json:"size,omitempty"`
}

type blockInfo struct {
	Name   string      `json:"name"`
	Kind   string      `json:"kind"`
	Count  int         `json:"count,omitempty"`
	Fields []fieldInfo `json:"fields"`
}

type messageInfo struct {
	Name        string      `json:"name"`
	Frequency   string      `json:"frequency"`
	Number      uint16      `json:"number"`
	Trust       string      `json:"trust"`
	Encoding    string      `json:"encoding"`
	Deprecation string      `json:"deprecation,omitempty"`
	Blocks      []blockInfo `json:"blocks,omitempty"`
}

func describe(m *template.Message, withBlocks bool) messageInfo {
	info := messageInfo{
		Name:      m.Name,
		Frequency: m.Frequency.String(),
		Number:    m.Number,
		Trust:     m.Trust.String(),
		Encoding:  m.Encoding.String(),
	}
	if m.Deprecation != template.NotDeprecated {
		info.Deprecation = m.Deprecation.String()
	}
	if !withBlocks {
		return info
	}
	for _, b := range m.Blocks {
		bi := blockInfo{Name: b.Name, Kind: b.Kind.String(), Fields: make([]fieldInfo, 0, len(b.Fields))}
		if b.Kind == template.BlockMultiple {
			bi.Count = b.Count
		}
		for _, f := range b.Fields {
			bi.Fields = append(bi.Fields, fieldInfo{Name: f.Name, Type: f.Type.String(), Size: f.Size})
		}
		info.Blocks = append(info.Blocks, bi)
	}
	return info
}

// Print lists every template, or the full layout of the named ones.
func Print(w io.Writer, schema *template.Schema, names []string, asJSON bool) error {
	var infos []messageInfo
	if len(names) == 0 {
		for _, m := range schema.Messages() {
			infos = append(infos, describe(m, false))
		}
	} else {
		for _, name := range names {
			m, ok := schema.ByName(name)
			if !ok {
				return fmt.Errorf("unknown message %q", name)
			}
			infos = append(infos, describe(m, true))
		}
	}

	if asJSON {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	for _, m := range infos {
		fmt.Fprintf(w, "%s %s %d %s %s", m.Name, m.Frequency, m.Number, m.Trust, m.Encoding)
		if m.Deprecation != "" {
			fmt.Fprintf(w, " %s", m.Deprecation)
		}
		fmt.Fprintln(w)
		for _, b := range m.Blocks {
			if b.Count > 0 {
				fmt.Fprintf(w, "  %s %s %d\n", b.Name, b.Kind, b.Count)
			} else {
				fmt.Fprintf(w, "  %s %s\n", b.Name, b.Kind)
			}
			for _, f := range b.Fields {
				if f.Size > 0 {
					fmt.Fprintf(w, "    %s %s %d\n", f.Name, f.Type, f.Size)
				} else {
					fmt.Fprintf(w, "    %s %s\n", f.Name, f.Type)
				}
			}
		}
	}
	return nil
}
