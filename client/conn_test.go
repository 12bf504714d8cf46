package client_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/rismo/queryline/client"
	"github.com/rismo/queryline/internal/queryserver"
	"github.com/rismo/queryline/protocol"
	"github.com/rismo/queryline/transport"
)

// echoResponder answers `<name> key=value...` with the parameter block as
// the payload followed by a success trailer. Commands without parameters
// get a bare trailer.
func echoResponder(line string) []string {
	_, params, ok := strings.Cut(line, " ")
	if !ok {
		return []string{"error id=0 msg=ok"}
	}

	return []string{params, "error id=0 msg=ok"}
}

var _ = Describe("Conn", func() {
	var (
		server *queryserver.Server
		conn   *client.Conn
	)

	startServer := func(respond queryserver.Responder) {
		log, err := zap.NewDevelopment()
		Expect(err).To(Succeed())

		server, err = queryserver.Start(log, respond)
		Expect(err).To(Succeed())

		conn = client.New(transport.Options{
			Host: server.Host(),
			Port: server.Port(),
			Log:  log,
		})
	}

	AfterEach(func() {
		if conn != nil {
			conn.Disconnect()
			conn = nil
		}
		if server != nil {
			Expect(server.Close()).To(Succeed())
			server = nil
		}
	})

	Describe("lifecycle", func() {
		It("moves through Connecting to Connected", func() {
			startServer(nil)

			Expect(conn.Status()).To(Equal(client.StatusDisconnected))
			Expect(conn.Connect()).To(Succeed())
			Expect(conn.Status()).To(Equal(client.StatusConnected))
		})

		It("reports Connecting while the banner is outstanding", func() {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).To(Succeed())
			defer ln.Close()

			// Accept the connection but never write the banner, so
			// Connect stays parked in the handshake.
			accepted := make(chan net.Conn, 1)
			go func() {
				defer GinkgoRecover()

				c, err := ln.Accept()
				if err == nil {
					accepted <- c
				}
			}()

			conn = client.New(transport.Options{
				Host: "127.0.0.1",
				Port: ln.Addr().(*net.TCPAddr).Port,
			})

			connectErr := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				connectErr <- conn.Connect()
			}()

			Eventually(conn.Status).Should(Equal(client.StatusConnecting))

			var raw net.Conn
			Eventually(accepted).Should(Receive(&raw))
			Expect(raw.Close()).To(Succeed())

			Eventually(connectErr).Should(Receive(&err))
			Expect(errors.Is(err, transport.ErrConnect)).To(BeTrue())
			Expect(conn.Status()).To(Equal(client.StatusDisconnected))
		})

		It("renders every status", func() {
			Expect(client.StatusDisconnected.String()).To(Equal("disconnected"))
			Expect(client.StatusConnecting.String()).To(Equal("connecting"))
			Expect(client.StatusConnected.String()).To(Equal("connected"))
		})

		It("refuses to connect twice", func() {
			startServer(nil)

			Expect(conn.Connect()).To(Succeed())
			Expect(conn.Connect()).To(MatchError(client.ErrAlreadyConnected))
		})

		It("refuses to send while disconnected", func() {
			startServer(nil)

			_, err := conn.Send(protocol.NewCommand("version"), protocol.ShapeStatus)
			Expect(errors.Is(err, client.ErrNotConnected)).To(BeTrue())
		})

		It("writes a quit line on Disconnect and ends up Disconnected", func() {
			startServer(nil)

			Expect(conn.Connect()).To(Succeed())
			Expect(conn.Disconnect()).To(Succeed())

			Expect(conn.Status()).To(Equal(client.StatusDisconnected))
			Expect(conn.Err()).To(BeNil())
			Expect(server.Received()).To(ContainElement("quit"))
		})

		It("can connect again after a disconnect", func() {
			startServer(nil)

			Expect(conn.Connect()).To(Succeed())
			Expect(conn.Disconnect()).To(Succeed())
			Expect(conn.Connect()).To(Succeed())

			resp, err := conn.Send(protocol.NewCommand("version"), protocol.ShapeStatus)
			Expect(err).To(Succeed())
			Expect(resp.Status.OK()).To(BeTrue())
		})
	})

	Describe("Send()", func() {
		It("logs in against a fresh connection", func() {
			startServer(func(line string) []string {
				if strings.HasPrefix(line, "login ") {
					return []string{"error id=0 msg=ok"}
				}
				return []string{"error id=256 msg=unknown\\scommand"}
			})

			Expect(conn.Connect()).To(Succeed())

			cmd := protocol.NewCommand("login").
				With("user", "a").
				With("pass", "b")

			resp, err := conn.Send(cmd, protocol.ShapeStatus)
			Expect(err).To(Succeed())
			Expect(resp.Status.OK()).To(BeTrue())
			Expect(server.Received()).To(ContainElement("login user=a pass=b"))
		})

		It("surfaces a non-zero status as a QueryError", func() {
			startServer(func(string) []string {
				return []string{`error id=1538 msg=invalid\sparameter`}
			})

			Expect(conn.Connect()).To(Succeed())

			_, err := conn.Send(protocol.NewCommand("bogus"), protocol.ShapeStatus)

			queryErr := new(protocol.QueryError)
			Expect(errors.As(err, &queryErr)).To(BeTrue())
			Expect(queryErr.Status.ID).To(Equal(1538))
		})

		It("reports a shape mismatch to the one caller and stays connected", func() {
			startServer(func(line string) []string {
				if strings.HasPrefix(line, "list") {
					return []string{"id=1|id=2", "error id=0 msg=ok"}
				}
				return echoResponder(line)
			})

			Expect(conn.Connect()).To(Succeed())

			_, err := conn.Send(protocol.NewCommand("list"), protocol.ShapeEntry)
			Expect(errors.Is(err, protocol.ErrTypeMismatch)).To(BeTrue())

			// The connection is still healthy and correlated.
			resp, err := conn.Send(
				protocol.NewCommand("find").With("token", "still-alive"),
				protocol.ShapeEntry,
			)
			Expect(err).To(Succeed())
			Expect(resp.Entry).To(HaveKeyWithValue("token", "still-alive"))
			Expect(conn.Status()).To(Equal(client.StatusConnected))
		})
	})

	Describe("correlation", func() {
		It("hands every concurrent caller its own response", func() {
			startServer(echoResponder)

			Expect(conn.Connect()).To(Succeed())

			var callers sync.WaitGroup
			for i := 0; i < 16; i++ {
				callers.Add(1)

				go func() {
					defer callers.Done()
					defer GinkgoRecover()

					token := uuid.NewString()
					cmd := protocol.NewCommand("find").With("token", token)

					resp, err := conn.Send(cmd, protocol.ShapeEntry)
					Expect(err).To(Succeed())
					Expect(resp.Entry).To(HaveKeyWithValue("token", token))
				}()
			}

			callers.Wait()
		})

		It("unblocks callers in send order when the server answers in order", func() {
			gate := make(chan struct{})

			startServer(func(line string) []string {
				if strings.HasPrefix(line, "alpha") || strings.HasPrefix(line, "beta") {
					<-gate
				}
				return echoResponder(line)
			})

			Expect(conn.Connect()).To(Succeed())

			completions := make(chan string, 2)

			sendAndReport := func(name string) {
				defer GinkgoRecover()

				resp, err := conn.Send(
					protocol.NewCommand(name).With("token", name),
					protocol.ShapeEntry,
				)
				Expect(err).To(Succeed())
				Expect(resp.Entry).To(HaveKeyWithValue("token", name))

				completions <- name
			}

			go sendAndReport("alpha")

			// The server has read alpha (and is holding its answer)
			// before beta is even sent, so alpha is the queue head.
			Eventually(server.Received).Should(ContainElement("alpha token=alpha"))

			go sendAndReport("beta")
			// Let beta reach the wire behind alpha.
			time.Sleep(50 * time.Millisecond)

			close(gate)

			Expect(<-completions).To(Equal("alpha"))
			Expect(<-completions).To(Equal("beta"))
		})

		It("tears the connection down when a response arrives with nothing pending", func() {
			startServer(nil)

			Expect(conn.Connect()).To(Succeed())

			server.Push("error id=0 msg=ok")

			Eventually(conn.Status).Should(Equal(client.StatusDisconnected))
			Expect(errors.Is(conn.Err(), client.ErrDesync)).To(BeTrue())

			_, err := conn.Send(protocol.NewCommand("version"), protocol.ShapeStatus)
			Expect(errors.Is(err, client.ErrNotConnected)).To(BeTrue())
		})
	})

	Describe("connection loss", func() {
		It("aborts every pending request and no caller blocks forever", func() {
			const pendingCallers = 5

			startServer(func(line string) []string {
				// Leave everything unanswered.
				return nil
			})

			Expect(conn.Connect()).To(Succeed())

			results := make(chan error, pendingCallers)
			for i := 0; i < pendingCallers; i++ {
				go func(i int) {
					defer GinkgoRecover()

					cmd := protocol.NewCommand("hang").With("n", fmt.Sprint(i))
					_, err := conn.Send(cmd, protocol.ShapeStatus)
					results <- err
				}(i)
			}

			Eventually(func() int {
				return len(server.Received())
			}).Should(Equal(pendingCallers))

			server.DropConns()

			for i := 0; i < pendingCallers; i++ {
				var err error
				Eventually(results, 3*time.Second).Should(Receive(&err))
				Expect(errors.Is(err, client.ErrAborted)).To(BeTrue())
			}

			Eventually(conn.Status).Should(Equal(client.StatusDisconnected))
		})
	})

	Describe("cancellation", func() {
		It("leaves an abandoned wait in the queue so correlation survives", func() {
			gate := make(chan struct{})

			startServer(func(line string) []string {
				if strings.HasPrefix(line, "hang") {
					<-gate
					return []string{"token=stale", "error id=0 msg=ok"}
				}
				return echoResponder(line)
			})

			Expect(conn.Connect()).To(Succeed())

			ctx, cancel := context.WithCancel(context.Background())

			abandoned := make(chan error, 1)
			go func() {
				defer GinkgoRecover()

				_, err := conn.SendContext(ctx, protocol.NewCommand("hang"), protocol.ShapeEntry)
				abandoned <- err
			}()

			Eventually(server.Received).Should(ContainElement("hang"))
			cancel()

			var err error
			Eventually(abandoned).Should(Receive(&err))
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())

			// The server's late answer must land in the abandoned
			// entry, not in the next caller's.
			close(gate)

			resp, sendErr := conn.Send(
				protocol.NewCommand("find").With("token", "fresh"),
				protocol.ShapeEntry,
			)
			Expect(sendErr).To(Succeed())
			Expect(resp.Entry).To(HaveKeyWithValue("token", "fresh"))
		})
	})

	Describe("notifications", func() {
		It("delivers unsolicited events outside the correlation path", func() {
			startServer(nil)

			Expect(conn.Connect()).To(Succeed())

			server.Push("notifytrackstarted id=42 uri=media")

			var n *protocol.Notification
			Eventually(conn.Notifications()).Should(Receive(&n))
			Expect(n.Event).To(Equal("notifytrackstarted"))
			Expect(n.Data).To(HaveKeyWithValue("id", "42"))

			// The queue untouched: a later command still correlates.
			resp, err := conn.Send(protocol.NewCommand("version"), protocol.ShapeStatus)
			Expect(err).To(Succeed())
			Expect(resp.Status.OK()).To(BeTrue())
		})

		It("lets a notification interleave inside a response", func() {
			startServer(func(line string) []string {
				if strings.HasPrefix(line, "list") {
					// The whole response is pushed by the test, with a
					// notification squeezed into the middle of it.
					return nil
				}
				return echoResponder(line)
			})

			Expect(conn.Connect()).To(Succeed())

			done := make(chan *protocol.Response, 1)
			go func() {
				defer GinkgoRecover()

				resp, err := conn.Send(protocol.NewCommand("list"), protocol.ShapeEntry)
				Expect(err).To(Succeed())
				done <- resp
			}()

			Eventually(server.Received).Should(ContainElement("list"))

			server.Push("id=7")
			server.Push("notifytrackstarted id=42 uri=media")
			server.Push("error id=0 msg=ok")

			var resp *protocol.Response
			Eventually(done).Should(Receive(&resp))
			Expect(resp.Entry).To(HaveKeyWithValue("id", "7"))

			var n *protocol.Notification
			Eventually(conn.Notifications()).Should(Receive(&n))
			Expect(n.Event).To(Equal("notifytrackstarted"))
		})
	})
})
