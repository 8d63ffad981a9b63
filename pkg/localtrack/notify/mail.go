/*
Copyright 2023 The Localtrack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strconv"

	"github.com/localtrack/localtrack/pkg/localtrack/constants"
	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
	"github.com/localtrack/localtrack/pkg/localtrack/store"
)

// Mailer sends plain-text completion email through an SMTPS relay. An
// unconfigured mailer (empty host) skips silently.
type Mailer struct {
	Host string
	Port int
	From string
}

// SendCompletion emails the job owner about a terminal transition. Mail
// failures are logged and never affect job state.
func (m *Mailer) SendCompletion(ctx context.Context, job *store.Job, status store.Status) {
	if m == nil || m.Host == "" || !job.Email.Valid || job.Email.String == "" {
		return
	}
	to := job.Email.String
	subject := "Video Processing Complete"
	body := fmt.Sprintf("Job %d (%s) finished with status %s.\n", job.ID, job.Name, status)

	if err := m.send(to, subject, body); err != nil {
		log.Entry(ctx).Errorf("failed to email %s for job %d: %v", to, job.ID, err)
		return
	}
	log.Entry(ctx).Infof("email notification sent to %s for job %d", to, job.ID)
}

func (m *Mailer) send(to, subject, body string) error {
	addr := net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.Host})
	if err != nil {
		return fmt.Errorf("connecting to smtp relay %s: %w", addr, err)
	}
	c, err := smtp.NewClient(conn, m.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake with %s: %w", addr, err)
	}
	defer c.Quit()

	if password := os.Getenv(constants.EnvSMTPPassword); password != "" {
		auth := smtp.PlainAuth("", m.From, password, m.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(m.From); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", m.From, to, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return err
	}
	return w.Close()
}
