package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/orbitprofiler/orbitdeploy/internal/capturefile"
)

const catChunkSize = 64 << 10

func newCaptureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Inspect and edit capture files",
	}
	cmd.AddCommand(newCaptureSectionsCmd())
	cmd.AddCommand(newCaptureAddUserDataCmd())
	cmd.AddCommand(newCaptureAddSectionCmd())
	cmd.AddCommand(newCaptureCatCmd())
	return cmd
}

func newCaptureSectionsCmd() *cobra.Command {
	var countMessages bool

	cmd := &cobra.Command{
		Use:   "sections FILE",
		Short: "List the sections of a capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := capturefile.OpenForReadWrite(args[0])
			if err != nil {
				return err
			}
			defer cf.Close()
			return printSections(cmd.OutOrStdout(), cf, countMessages)
		},
	}
	cmd.Flags().BoolVar(&countMessages, "count", false, "count the messages in the capture section")
	return cmd
}

func printSections(out io.Writer, cf *capturefile.File, countMessages bool) error {
	fmt.Fprintf(out, "capture section: %s\n", humanize.IBytes(cf.CaptureSectionSize()))
	if countMessages {
		n, err := countCaptureMessages(cf)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "messages: %s\n", humanize.Comma(int64(n)))
	}

	sections := cf.Sections()
	if len(sections) == 0 {
		fmt.Fprintln(out, "no additional sections")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tTYPE\tOFFSET\tSIZE")
	for i, s := range sections {
		typ := fmt.Sprint(s.Type)
		if s.Type == capturefile.SectionTypeUserData {
			typ += " (user data)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", i, typ, s.Offset, humanize.IBytes(s.Size))
	}
	return tw.Flush()
}

// countCaptureMessages counts non-empty messages. Zero padding at the end of
// the section reads as empty messages and is not counted.
func countCaptureMessages(cf *capturefile.File) (int, error) {
	stream := cf.CaptureSectionInputStream()
	var msg emptypb.Empty
	n := 0
	for {
		before := stream.ByteCount()
		err := stream.ReadMessage(&msg)
		if errors.Is(err, capturefile.ErrUnexpectedEndOfSection) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if stream.ByteCount()-before > 1 {
			n++
		}
	}
}

func newCaptureAddUserDataCmd() *cobra.Command {
	var (
		from string
		size uint64
	)

	cmd := &cobra.Command{
		Use:   "add-user-data FILE",
		Short: "Add the user data section, optionally filled from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if from != "" {
				var err error
				if data, err = os.ReadFile(from); err != nil {
					return err
				}
				size = max(size, uint64(len(data)))
			}

			cf, err := capturefile.OpenForReadWrite(args[0])
			if err != nil {
				return err
			}
			defer cf.Close()

			index, err := cf.AddUserDataSection(size)
			if err != nil {
				return err
			}
			if len(data) > 0 {
				if err := cf.WriteToSection(index, 0, data); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added user data section %d (%s)\n", index, humanize.IBytes(size))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "file whose contents are written to the section")
	cmd.Flags().Uint64Var(&size, "size", 0, "section size in bytes (at least the size of --from)")
	return cmd
}

func newCaptureAddSectionCmd() *cobra.Command {
	var (
		typ  uint64
		size uint64
	)

	cmd := &cobra.Command{
		Use:   "add-section FILE",
		Short: "Add a zero-filled read-only section of the given type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := capturefile.OpenForReadWrite(args[0])
			if err != nil {
				return err
			}
			defer cf.Close()

			index, err := cf.AddAdditionalSectionOfType(typ, size)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added section %d of type %d (%s)\n", index, typ, humanize.IBytes(size))
			return nil
		},
	}
	cmd.Flags().Uint64Var(&typ, "type", 0, "section type (required)")
	cmd.Flags().Uint64Var(&size, "size", 0, "section size in bytes")
	cmd.MarkFlagRequired("type")
	return cmd
}

func newCaptureCatCmd() *cobra.Command {
	var index int

	cmd := &cobra.Command{
		Use:   "cat FILE",
		Short: "Write the raw contents of a section to stdout",
		Long:  "Write the raw contents of a section to stdout. Without --section the user data section is written.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := capturefile.OpenForReadWrite(args[0])
			if err != nil {
				return err
			}
			defer cf.Close()

			if index < 0 {
				var ok bool
				if index, ok = cf.FindSectionByType(capturefile.SectionTypeUserData); !ok {
					return errors.New("the file has no user data section")
				}
			}
			return catSection(cmd.OutOrStdout(), cf, index)
		},
	}
	cmd.Flags().IntVar(&index, "section", -1, "section index")
	return cmd
}

func catSection(out io.Writer, cf *capturefile.File, index int) error {
	sections := cf.Sections()
	if index >= len(sections) {
		return fmt.Errorf("%w: %d", capturefile.ErrInvalidSectionIndex, index)
	}
	size := sections[index].Size
	buf := make([]byte, catChunkSize)
	for off := uint64(0); off < size; {
		n := min(uint64(len(buf)), size-off)
		if err := cf.ReadFromSection(index, off, buf[:n]); err != nil {
			return err
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}
