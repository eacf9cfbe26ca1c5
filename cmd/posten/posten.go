package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/modfin/posten"
	"github.com/modfin/posten/smtpx/envelope/signer"
	"github.com/urfave/cli/v2"
	"mime"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

func main() {
	app := &cli.App{
		Name:  "posten",
		Usage: "a cli that sends email through the posten http api, and other mail utilities",

		Commands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "show the state of a sent message",
				ArgsUsage: "<message-id>",
				Flags:     apiFlags,
				Action:    status,
			},
			{
				Name: "gen-dkim-keys",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "key-size", Value: signer.Bits},
					&cli.StringFlag{Name: "out", Value: "./"},
				},
				Action: gendkim,
			},
		},

		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "subject",
				Usage: "Set subject line",
			},
			&cli.StringFlag{
				Name:  "from",
				Usage: "Set from email, 'email' or 'name <email>' is valid",
			},
			&cli.StringSliceFlag{
				Name:  "to",
				Usage: "Set 'to' email, 'email' or 'name <email>' is valid",
			},
			&cli.StringSliceFlag{
				Name:  "cc",
				Usage: "Set cc email, 'email' or 'name <email>' is valid",
			},
			&cli.StringSliceFlag{
				Name:  "header",
				Usage: "Set a header, format 'key: value'",
			},
			&cli.StringSliceFlag{
				Name:  "bcc",
				Usage: "Set bcc email, 'email' or 'name <email>' is valid",
			},
			&cli.StringFlag{
				Name:  "text",
				Usage: "text content of the mail",
			},
			&cli.StringFlag{
				Name:  "html",
				Usage: "html content of the mail",
			},
			&cli.StringSliceFlag{
				Name:  "attach",
				Usage: "path to file attachment",
			},
		}, apiFlags...),
		Action: sendmail,
	}

	err := app.Run(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "got err", err)
		os.Exit(1)
	}
}

var apiFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "api",
		Usage:   "url of the posten http api",
		EnvVars: []string{"POSTEN_API"},
		Value:   "http://localhost:8080",
	},
	&cli.StringFlag{
		Name:    "key-id",
		Usage:   "id of the api key",
		EnvVars: []string{"POSTEN_KEY_ID"},
	},
	&cli.StringFlag{
		Name:    "key-secret",
		Usage:   "secret of the api key",
		EnvVars: []string{"POSTEN_KEY_SECRET"},
	},
}

func client(c *cli.Context) *posten.Client {
	return posten.NewClient(c.String("key-id"), c.String("key-secret"), c.String("api"))
}

func addresses(strs []string) ([]posten.Address, error) {
	var as []posten.Address
	for _, s := range strs {
		a, err := posten.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		as = append(as, a)
	}
	return as, nil
}

func attachment(path string) (posten.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return posten.Attachment{}, err
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return posten.Attachment{
		ContentType: contentType,
		Filename:    filepath.Base(path),
		Content:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

func sendmail(c *cli.Context) (err error) {
	email := &posten.Email{
		Headers: posten.Headers{},
		Subject: c.String("subject"),
		Text:    c.String("text"),
		HTML:    c.String("html"),
	}

	email.From, err = posten.ParseAddress(c.String("from"))
	if err != nil {
		return fmt.Errorf("from, %w", err)
	}
	if email.To, err = addresses(c.StringSlice("to")); err != nil {
		return err
	}
	if email.Cc, err = addresses(c.StringSlice("cc")); err != nil {
		return err
	}
	if email.Bcc, err = addresses(c.StringSlice("bcc")); err != nil {
		return err
	}

	for _, h := range c.StringSlice("header") {
		parts := strings.SplitN(h, ": ", 2)
		if len(parts) != 2 {
			return errors.New("header, " + h + ", is not correctly formatted")
		}
		key := textproto.CanonicalMIMEHeaderKey(parts[0])
		email.Headers[key] = append(email.Headers[key], parts[1])
	}

	if len(email.Recipients()) == 0 {
		return errors.New("there has to be at least 1 email to send to, cc or bcc")
	}

	for _, path := range c.StringSlice("attach") {
		a, err := attachment(path)
		if err != nil {
			return err
		}
		email.Attachments = append(email.Attachments, a)
	}

	receipt, err := client(c).Send(c.Context, email)
	if err != nil {
		return err
	}

	fmt.Println("Accepted message", receipt.MessageID, "from", receipt.From)
	if receipt.Rewritten {
		fmt.Println(" - the sender was rewritten since the domain is not verified for this tenant")
	}
	for i, rcpt := range receipt.Recipients {
		if i < len(receipt.Jobs) {
			rcpt += " (job " + receipt.Jobs[i] + ")"
		}
		fmt.Println(" - ", rcpt)
	}
	return nil
}

func status(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected a message id")
	}
	s, err := client(c).Status(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(s)
}

func gendkim(c *cli.Context) (err error) {
	privatePEM, publicKey, err := signer.GenerateKey(c.Int("key-size"))
	if err != nil {
		return fmt.Errorf("could not generate key, %w", err)
	}

	err = os.WriteFile(filepath.Join(c.String("out"), "dkim-private.pem"), []byte(privatePEM), 0600)
	if err != nil {
		fmt.Printf("error when create dkim-private.pem: %s \n", err)
		return err
	}

	return os.WriteFile(filepath.Join(c.String("out"), "dkim-pub.dns.txt"), []byte(signer.Record(publicKey)), 0644)
}
