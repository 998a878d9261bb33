/*
 * This file is part of the isolink distribution (https://github.com/mlipscombe/isolink).
 * Copyright (c) 2021-2023 Mark Lipscombe.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, version 3.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <http://www.gnu.org/licenses/>.
 */

package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const publishTimeout = 5 * time.Second

type Client struct {
	URI           *url.URL
	ClientID      string
	Prefix        string
	connection    mqtt.Client
	subscriptions map[string]subscriptionInfo
	subMutex      sync.RWMutex
}

type subscriptionInfo struct {
	qos      byte
	callback MessageHandler
}

type Message mqtt.Message

type MessageHandler func(client *Client, message Message)

func NewClient(uri *url.URL, clientID string, prefix string) (*Client, error) {
	client := Client{
		URI:           uri,
		ClientID:      clientID,
		Prefix:        prefix,
		subscriptions: make(map[string]subscriptionInfo),
	}
	opts, err := createClientOptions(&client)
	if err != nil {
		return nil, err
	}

	opts.SetWill(client.statusTopic(), "offline", 1, true)
	if err := client.connect(opts); err != nil {
		return nil, err
	}
	client.connection.Publish(client.statusTopic(), 1, true, "online")

	return &client, nil
}

// statusTopic carries this instance's retained online/offline state.
func (client *Client) statusTopic() string {
	return fmt.Sprintf("%s/instances/%s/status", client.Prefix, client.ClientID)
}

// Topic joins the client prefix and a relative topic.
func (client *Client) Topic(topic string) string {
	return fmt.Sprintf("%s/%s", client.Prefix, topic)
}

func (client *Client) connect(opts *mqtt.ClientOptions) error {
	client.connection = mqtt.NewClient(opts)
	token := client.connection.Connect()
	token.Wait()
	return token.Error()
}

// Publish sends payload to a relative topic and waits for the broker to accept it.
func (client *Client) Publish(topic string, qos byte, payload []byte) error {
	token := client.connection.Publish(client.Topic(topic), qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishJSON marshals val and publishes it without waiting; failures are logged.
func (client *Client) PublishJSON(topic string, val interface{}) error {
	jsonVal, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("marshalling %s: %v", topic, err)
	}
	token := client.connection.Publish(client.Topic(topic), 0, false, jsonVal)
	go func() {
		<-token.Done()
		if token.Error() != nil {
			log.Error(token.Error())
		}
	}()

	return nil
}

func (client *Client) Subscribe(topic string, qos byte, callback MessageHandler) error {
	fullTopic := client.Topic(topic)

	// kept for resubscription in the OnConnect handler
	client.subMutex.Lock()
	client.subscriptions[fullTopic] = subscriptionInfo{
		qos:      qos,
		callback: callback,
	}
	client.subMutex.Unlock()

	token := client.connection.Subscribe(fullTopic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		callback(client, msg)
	})
	token.Wait()
	return token.Error()
}

// Close marks the instance offline and disconnects.
func (client *Client) Close() {
	if client.connection == nil || !client.connection.IsConnected() {
		return
	}
	client.connection.Publish(client.statusTopic(), 1, true, "offline").WaitTimeout(time.Second)
	client.connection.Disconnect(250)
}

func createClientOptions(client *Client) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()

	port := client.URI.Port()
	if port == "" {
		if client.URI.Scheme == "mqtts" {
			port = "8883"
		} else {
			port = "1883"
		}
	}

	if client.URI.Scheme == "mqtts" {
		tlsConfig, err := tlsConfigFromQuery(client.URI.Query())
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
		opts.AddBroker(fmt.Sprintf("ssl://%s:%s", client.URI.Hostname(), port))
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%s", client.URI.Hostname(), port))
	}

	opts.SetUsername(client.URI.User.Username())
	password, _ := client.URI.User.Password()
	opts.SetPassword(password)
	opts.SetClientID(client.ClientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Errorf("mqtt connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Warn("mqtt reconnecting")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info("mqtt connected")
		client.connection.Publish(client.statusTopic(), 1, true, "online")
		client.resubscribe()
	})

	return opts, nil
}

func (client *Client) resubscribe() {
	client.subMutex.RLock()
	defer client.subMutex.RUnlock()

	for fullTopic, sub := range client.subscriptions {
		subInfo := sub
		token := client.connection.Subscribe(fullTopic, subInfo.qos, func(_ mqtt.Client, msg mqtt.Message) {
			subInfo.callback(client, msg)
		})
		token.Wait()
		if err := token.Error(); err != nil {
			log.Errorf("failed to resubscribe to %s: %v", fullTopic, err)
		} else {
			log.Debugf("resubscribed to %s", fullTopic)
		}
	}
}

func tlsConfigFromQuery(query url.Values) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if query.Get("insecure") == "true" {
		tlsConfig.InsecureSkipVerify = true
	}

	tlsCert, tlsKey := query.Get("tls_cert"), query.Get("tls_key")
	if tlsCert != "" && tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return nil, fmt.Errorf("loading tls cert and key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if caCert := query.Get("tls_cacert"); caCert != "" {
		caCertData, err := os.ReadFile(caCert)
		if err != nil {
			return nil, fmt.Errorf("reading ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCertData) {
			return nil, fmt.Errorf("no certificates in %s", caCert)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
