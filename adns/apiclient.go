/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

// Client side of the control channel.

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
)

func NewClient(name, baseurl, apikey, authmethod, rootcafile string, verbose, debug bool) *Api {
	api := Api{
		Name:       name,
		BaseUrl:    baseurl,
		apiKey:     apikey,
		Authmethod: authmethod,
	}

	if rootcafile == "insecure" {
		api.Client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
			},
		}
	} else {
		rootCAPool := x509.NewCertPool()
		rootCA, err := os.ReadFile(rootcafile)
		if err != nil {
			log.Fatalf("reading cert failed : %v", err)
		}
		if debug {
			fmt.Printf("NewClient: Creating '%s' API client based on root CAs in file '%s'\n",
				name, rootcafile)
		}

		rootCAPool.AppendCertsFromPEM(rootCA)

		api.Client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs: rootCAPool,
				},
			},
		}
	}
	api.Debug = debug
	api.Verbose = verbose

	if debug {
		fmt.Printf("Setting up %s API client:\n", name)
		fmt.Printf("* baseurl is: %s \n* authmethod is: %s \n",
			api.BaseUrl, api.Authmethod)
	}

	return &api
}

func (api *Api) requestHelper(req *http.Request) (int, []byte, error) {

	req.Header.Add("Content-Type", "application/json")

	switch api.Authmethod {
	case "":
		// no authentication header at all
	case "X-API-Key":
		req.Header.Add("X-API-Key", api.apiKey)
	case "Authorization":
		req.Header.Add("Authorization", fmt.Sprintf("token %s", api.apiKey))
	default:
		log.Printf("Error: unknown auth method: %s. Aborting.\n", api.Authmethod)
		return 501, []byte{}, fmt.Errorf("unknown auth method: %s", api.Authmethod)
	}

	if api.apiKey == "" {
		log.Fatalf("api.requestHelper: Error: apikey not set.\n")
	}

	resp, err := api.Client.Do(req)
	if err != nil {
		return 501, nil, err
	}

	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if api.Debug {
		var prettyJSON bytes.Buffer
		jerr := json.Indent(&prettyJSON, buf, "", "  ")
		if jerr != nil {
			log.Println("JSON parse error: ", jerr)
		}
		fmt.Printf("requestHelper: received %d bytes of response data:\n%s\n",
			len(buf), prettyJSON.String())
	}

	return resp.StatusCode, buf, err
}

func (api *Api) Post(endpoint string, data []byte) (int, []byte, error) {

	if api.Debug {
		var prettyJSON bytes.Buffer
		jerr := json.Indent(&prettyJSON, data, "", "  ")
		if jerr != nil {
			log.Println("JSON parse error: ", jerr)
		}
		fmt.Printf("api.Post: posting to URL '%s' %d bytes of data:\n%s\n",
			api.BaseUrl+endpoint, len(data), prettyJSON.String())
	}

	req, err := http.NewRequest(http.MethodPost, api.BaseUrl+endpoint,
		bytes.NewBuffer(data))
	if err != nil {
		log.Fatalf("Error from http.NewRequest: Error: %v", err)
	}
	return api.requestHelper(req)
}

func (api *Api) Get(endpoint string) (int, []byte, error) {

	if api.Debug {
		fmt.Printf("api.Get: GET URL '%s'\n", api.BaseUrl+endpoint)
	}

	req, err := http.NewRequest(http.MethodGet, api.BaseUrl+endpoint, nil)
	if err != nil {
		log.Fatalf("Error from http.NewRequest: Error: %v", err)
	}
	return api.requestHelper(req)
}

func (api *Api) Put(endpoint string, data []byte) (int, []byte, error) {

	if api.Debug {
		fmt.Printf("api.Put: PUT URL '%s' %d bytes of data\n",
			api.BaseUrl+endpoint, len(data))
	}

	req, err := http.NewRequest(http.MethodPut, api.BaseUrl+endpoint,
		bytes.NewBuffer(data))
	if err != nil {
		log.Fatalf("Error from http.NewRequest: Error: %v", err)
	}
	return api.requestHelper(req)
}

func (api *Api) Delete(endpoint string) (int, []byte, error) {

	if api.Debug {
		fmt.Printf("api.Delete: DELETE URL '%s'\n", api.BaseUrl+endpoint)
	}

	req, err := http.NewRequest(http.MethodDelete, api.BaseUrl+endpoint, nil)
	if err != nil {
		log.Fatalf("Error from http.NewRequest: Error: %v", err)
	}
	return api.requestHelper(req)
}
