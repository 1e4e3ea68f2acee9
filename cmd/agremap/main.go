package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/env/v2"
	"gitlab.com/stephen-fox/aslrguard/libc/glibckit"
	"gitlab.com/stephen-fox/aslrguard/memory"
)

const (
	inputFormatArg = "i"
	translateArg   = "t"
	modeArg        = "m"
	fromArg        = "from"
	statsArg       = "s"
	helpArg        = "h"

	verboseEnv = "AG_VERBOSE"

	hexFormat = "hex"
	rawFormat = "raw"
	b64Format = "b64"

	appName = "agremap"
	usage   = appName + `
Decodes a dump of the dynamic loader's remap information area and prints
the modules it describes. The area is a little-endian 8-byte record count
followed by the records, each made of ten 8-byte fields.

Addresses passed with -` + translateArg + ` are translated the same way the
loader translates code addresses of remapped modules.

The area can be supplied via stdin or as command line arguments. Hex input
may be formatted as "\x01\x00..." or as plain hex digits.

usage:
` + appName + ` [options] [area]

examples:
xxd -p remap.bin | ` + appName + ` -` + translateArg + ` 0x555555555140
` + appName + ` -` + inputFormatArg + ` raw -` + translateArg + ` 0x555555555140,0x555555556000 < remap.bin

options:
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	inputEncoding := flag.String(
		inputFormatArg,
		hexFormat,
		fmt.Sprintf("The input encoding type (%s)", supportedIOEncodingStr()))
	translate := flag.String(
		translateArg,
		"",
		"Comma-separated code addresses to translate")
	modeStr := flag.String(
		modeArg,
		"not",
		"Translation mode ('not', 'may', 'always')")
	fromStr := flag.String(
		fromArg,
		"0",
		"The address the translated addresses are referenced from")
	stats := flag.Bool(
		statsArg,
		false,
		"Print translation statistics")
	help := flag.Bool(
		helpArg,
		false,
		"Display this help page")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	var verbose *log.Logger
	if env.Bool(verboseEnv) {
		verbose = log.New(os.Stderr, appName+": ", 0)
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return err
	}

	from, err := strconv.ParseUint(*fromStr, 0, 64)
	if err != nil {
		return fmt.Errorf("failed to parse -%s address - %w", fromArg, err)
	}

	var sourceName string
	var source io.Reader
	nArgs := flag.NArg()
	switch nArgs {
	case 0:
		sourceName = "stdin"
		source = os.Stdin
	case 1:
		sourceName = "first cli argument"
		source = strings.NewReader(flag.Arg(0))
	default:
		sourceName = "concatenated cli arguments"
		concat := bytes.NewBuffer(nil)
		for i := 0; i < nArgs; i++ {
			concat.WriteString(flag.Arg(i))
		}
		source = concat
	}

	area, err := readArea(source, *inputEncoding)
	if err != nil {
		return fmt.Errorf("failed to read remap area from %s - %w", sourceName, err)
	}

	if verbose != nil {
		verbose.Printf("read %d bytes of remap area", len(area))
	}

	protocol, err := memory.NewProtocol(memory.ProtocolConfig{
		Nonce:   memory.FixedNonce{},
		Verbose: verbose,
	})
	if err != nil {
		return err
	}
	defer protocol.Close()

	n, err := glibckit.LoadRemapArea(area, protocol.Remap())
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		record, _ := protocol.Remap().At(i)
		printRecord(os.Stdout, i, record)
	}

	if *translate != "" {
		for _, addrStr := range strings.Split(*translate, ",") {
			addr, err := strconv.ParseUint(strings.TrimSpace(addrStr), 0, 64)
			if err != nil {
				return fmt.Errorf("failed to parse address %q - %w", addrStr, err)
			}

			translated, err := protocol.TranslateCodeAddress(addr, mode, from)
			if err != nil {
				return fmt.Errorf("failed to translate 0x%x - %w", addr, err)
			}

			fmt.Printf("0x%x -> 0x%x\n", addr, translated)
		}
	}

	if *stats {
		return protocol.WriteStats(os.Stdout)
	}

	return nil
}

func readArea(r io.Reader, encoding string) ([]byte, error) {
	switch encoding {
	case rawFormat:
		return io.ReadAll(r)
	case b64Format:
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	case hexFormat:
		hexASCII := bytes.NewBuffer(nil)
		scanner := bufio.NewScanner(r)
		scanner.Split(bufio.ScanBytes)
		for scanner.Scan() {
			switch scanner.Bytes()[0] {
			case 'x', '\\', '"', '\n', '\r', '\t', ' ':
				continue
			}

			hexASCII.Write(scanner.Bytes())
		}
		err := scanner.Err()
		if err != nil {
			return nil, err
		}

		return hex.DecodeString(hexASCII.String())
	default:
		return nil, fmt.Errorf("unknown input format: '%s'", encoding)
	}
}

func parseMode(s string) (memory.TranslateMode, error) {
	switch s {
	case "not":
		return memory.NotEncode, nil
	case "may":
		return memory.MayEncode, nil
	case "always":
		return memory.AlwaysEncode, nil
	default:
		return 0, fmt.Errorf("unknown translation mode: '%s'", s)
	}
}

func printRecord(w io.Writer, i int, record memory.RemapRecord) {
	fmt.Fprintf(w, "module %d: l_addr 0x%x\n", i, record.LoadAddress)
	fmt.Fprintf(w, "  code:    0x%x -> 0x%x (0x%x bytes, delta %#x)\n",
		record.OldCodeBase, record.NewCodeBase, record.CodeSize, record.CodeDelta())
	fmt.Fprintf(w, "  got.plt: 0x%x -> 0x%x (0x%x bytes, delta %#x)\n",
		record.OldGotPltBase, record.NewGotPltBase, record.GotPltSize, record.GotPltDelta())
	fmt.Fprintf(w, "  relro:   0x%x -> 0x%x (0x%x bytes)\n",
		record.OldRelRoBase, record.NewRelRoBase, record.RelRoSize)
}

func supportedIOEncodingStr() string {
	return fmt.Sprintf("'%s', '%s', '%s'", b64Format, hexFormat, rawFormat)
}
