package decode

import (
	"errors"
	"fmt"
	"io"

	"github.com/Mmx233/llproxy/protocol"
	"github.com/Mmx233/llproxy/protocol/template"
	"github.com/Mmx233/llproxy/proxy/capture"
	"github.com/spf13/cobra"
)

var (
	asJSON        bool
	simPort       uint16
	templatesFile string

	Cmd = &cobra.Command{
		Use:   "decode <capture>",
		Short: "Print the LLUDP messages in a pcap or pcapng capture",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecode,
	}
)

func init() {
	Cmd.Flags().BoolVar(&asJSON, "json", false, "print messages as JSON")
	Cmd.Flags().Uint16Var(&simPort, "port", 0, "simulator UDP port, selects direction and skips other traffic")
	Cmd.Flags().StringVar(&templatesFile, "templates", "", "message_template.msg override")
}

func runDecode(cmd *cobra.Command, args []string) error {
	schema, err := template.Default()
	if templatesFile != "" {
		schema, err = template.Load(templatesFile)
	}
	if err != nil {
		return err
	}
	r, err := capture.OpenReader(args[0])
	if err != nil {
		return err
	}
	defer r.Close()
	return Decode(cmd.OutOrStdout(), r, protocol.NewCodec(schema), Options{JSON: asJSON, Port: simPort})
}

type Options struct {
	JSON bool
	// Port is the simulator port. Zero decodes every datagram as outbound.
	Port uint16
}

type recordSource interface {
	Next() (capture.Record, error)
}

// Decode writes one entry per datagram read from src.
func Decode(w io.Writer, src recordSource, codec *protocol.Codec, opts Options) error {
	for n := 1; ; n++ {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		dir, ok := direction(rec, opts.Port)
		if !ok {
			continue
		}
		msg, err := codec.Deserialize(rec.Payload, dir)
		if err != nil {
			fmt.Fprintf(w, "#%d %s %s -> %s: %v\n", n, rec.Time.Format("15:04:05.000000"), rec.Src, rec.Dst, err)
			continue
		}
		if opts.JSON {
			data, err := protocol.MarshalMessageJSON(msg)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\n", data)
			continue
		}
		fmt.Fprintf(w, "#%d %s %s -> %s seq=%d [%s]\n%s\n", n, rec.Time.Format("15:04:05.000000"),
			rec.Src, rec.Dst, msg.Sequence, msg.Flags, msg)
	}
}

func direction(rec capture.Record, port uint16) (protocol.Direction, bool) {
	switch port {
	case 0, rec.Dst.Port():
		return protocol.DirectionOut, true
	case rec.Src.Port():
		return protocol.DirectionIn, true
	}
	return 0, false
}
